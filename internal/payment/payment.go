// Package payment defines the payment processor contract consumed by the
// billing engine and the session lifecycle, plus a sandbox implementation
// used in development and tests. A real processor integration lives behind
// the same interface.
package payment

import (
	"context"
	"errors"
)

// ChargeRequest describes one charge against a payer.
type ChargeRequest struct {
	PayerID     string
	Amount      int64 // minor units
	Currency    string
	Description string

	// IdempotencyKey makes a logical charge attempt safe to resubmit after
	// a crash. Billing derives it from session ID + tick anchor time.
	IdempotencyKey string
}

// ChargeResult is the outcome of a charge attempt. A decline is a result,
// not an error: errors mean the attempt itself could not be made.
type ChargeResult struct {
	Succeeded      bool
	TransactionRef string
	FailureReason  string
}

// TransferRequest credits a payee, net of the platform fee.
type TransferRequest struct {
	PayeeID  string
	Amount   int64 // minor units
	Currency string
}

// TransferResult is the outcome of a transfer.
type TransferResult struct {
	Succeeded      bool
	TransactionRef string
}

// ErrInsufficientBalance is returned by Authorize when the payer cannot
// cover the requested amount.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Gateway is the external payment processor. Implementations must honor
// idempotency keys: repeating a ChargeRequest with the same key returns the
// original result without charging twice.
type Gateway interface {
	// Authorize verifies the payer can cover amount without capturing
	// anything. Booking prechecks go through here.
	Authorize(ctx context.Context, payerID string, amount int64) error
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Refund(ctx context.Context, transactionRef string, amount int64) error
}
