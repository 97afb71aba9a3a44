package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Sandbox is an in-memory Gateway for development and tests. Payers have
// configurable balances; charges beyond the balance are declined. Charge
// results are cached per idempotency key, so resubmitting a tick after a
// crash never double-charges.
type Sandbox struct {
	mu        sync.Mutex
	balances  map[string]int64 // payerID -> remaining minor units
	earnings  map[string]int64 // payeeID -> credited minor units
	charges   map[string]ChargeResult
	refunds   map[string]int64 // transactionRef -> refunded amount
	failNext  map[string]string
	unlimited bool
}

// NewSandbox creates a sandbox where every payer has unlimited funds until
// SetBalance is called for them.
func NewSandbox() *Sandbox {
	return &Sandbox{
		balances:  make(map[string]int64),
		earnings:  make(map[string]int64),
		charges:   make(map[string]ChargeResult),
		refunds:   make(map[string]int64),
		failNext:  make(map[string]string),
		unlimited: true,
	}
}

// SetBalance fixes a payer's available funds. Charges exceeding the balance
// are declined with "insufficient_funds".
func (s *Sandbox) SetBalance(payerID string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[payerID] = amount
	s.unlimited = false
}

// FailNextCharge makes the next charge for the payer decline with the given
// reason. Used to exercise payment-failure paths.
func (s *Sandbox) FailNextCharge(payerID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[payerID] = reason
}

// Authorize verifies the payer could cover amount. Nothing is captured.
func (s *Sandbox) Authorize(_ context.Context, payerID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("sandbox: invalid authorize amount %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	balance, tracked := s.balances[payerID]
	if (tracked || !s.unlimited) && balance < amount {
		return ErrInsufficientBalance
	}
	return nil
}

// Charge debits the payer. Honors idempotency keys.
func (s *Sandbox) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if req.Amount <= 0 {
		return ChargeResult{}, fmt.Errorf("sandbox: invalid charge amount %d", req.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prior, ok := s.charges[req.IdempotencyKey]; ok {
			return prior, nil
		}
	}

	if reason, ok := s.failNext[req.PayerID]; ok {
		delete(s.failNext, req.PayerID)
		result := ChargeResult{Succeeded: false, FailureReason: reason}
		s.remember(req.IdempotencyKey, result)
		return result, nil
	}

	balance, tracked := s.balances[req.PayerID]
	if tracked || !s.unlimited {
		if balance < req.Amount {
			result := ChargeResult{Succeeded: false, FailureReason: "insufficient_funds"}
			s.remember(req.IdempotencyKey, result)
			return result, nil
		}
		s.balances[req.PayerID] = balance - req.Amount
	}

	result := ChargeResult{
		Succeeded:      true,
		TransactionRef: "sbx_" + uuid.New().String(),
	}
	s.remember(req.IdempotencyKey, result)
	return result, nil
}

// Transfer credits the payee.
func (s *Sandbox) Transfer(_ context.Context, req TransferRequest) (TransferResult, error) {
	if req.Amount <= 0 {
		return TransferResult{}, fmt.Errorf("sandbox: invalid transfer amount %d", req.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.earnings[req.PayeeID] += req.Amount

	return TransferResult{
		Succeeded:      true,
		TransactionRef: "sbx_tr_" + uuid.New().String(),
	}, nil
}

// Refund returns funds for a prior charge.
func (s *Sandbox) Refund(_ context.Context, transactionRef string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("sandbox: invalid refund amount %d", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds[transactionRef] += amount
	return nil
}

// Refunded reports the total refunded against a transaction ref.
func (s *Sandbox) Refunded(transactionRef string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[transactionRef]
}

// Earnings reports the total credited to a payee.
func (s *Sandbox) Earnings(payeeID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.earnings[payeeID]
}

func (s *Sandbox) remember(key string, result ChargeResult) {
	if key != "" {
		s.charges[key] = result
	}
}
