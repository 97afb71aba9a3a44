package session

import "time"

// Outcome is the result of a single billing attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// EntryKind distinguishes metered tick charges from upfront captures and
// refunds. Only prepay entries are refundable on cancellation; tick charges
// pay for time already delivered.
type EntryKind string

const (
	EntryTick   EntryKind = "tick"
	EntryPrepay EntryKind = "prepay"
	EntryRefund EntryKind = "refund"
)

// LedgerEntry is the immutable audit record of one billing attempt.
// Entries are append-only and never mutated or deleted.
type LedgerEntry struct {
	ID             string
	SessionID      string
	Kind           EntryKind
	Amount         int64 // minor units
	ElapsedSeconds int64 // chargeable seconds this entry covers
	Outcome        Outcome
	TransactionRef string
	FailureReason  string
	CreatedAt      time.Time
}

// BillingTick is one successful metered charge to apply to the record
// store: advance the session's bill anchor, grow its running total, and
// bump both participants' aggregates in a single atomic update.
type BillingTick struct {
	SessionID      string
	ClientID       string
	ReaderID       string
	Amount         int64
	ElapsedSeconds int64
	BilledAt       time.Time
}

// ChatMessage is a persisted chat line. Messages are written to the store
// before any realtime delivery so channel membership loss never loses
// history.
type ChatMessage struct {
	ID        string
	SessionID string
	SenderID  string
	Body      string
	SentAt    time.Time
}

// Review is a client's rating of a completed session.
type Review struct {
	ID        string
	SessionID string
	ClientID  string
	ReaderID  string
	Rating    int // 1-5
	Comment   string
	CreatedAt time.Time
}
