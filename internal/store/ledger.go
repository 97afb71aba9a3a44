package store

import (
	"context"

	"github.com/soulseer/backend/internal/session"
)

const ledgerColumns = `id, session_id, kind, amount, elapsed_seconds, outcome,
	transaction_ref, failure_reason, created_at`

// AppendLedgerEntry writes one billing audit record. The ledger is
// append-only; there is no update or delete path.
func (s *Store) AppendLedgerEntry(ctx context.Context, e *session.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Kind, e.Amount, e.ElapsedSeconds, e.Outcome,
		e.TransactionRef, e.FailureReason, encodeTime(e.CreatedAt))
	return err
}

// ListLedger returns a session's billing history in insertion order.
func (s *Store) ListLedger(ctx context.Context, sessionID string) ([]*session.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.LedgerEntry
	for rows.Next() {
		var e session.LedgerEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Amount, &e.ElapsedSeconds,
			&e.Outcome, &e.TransactionRef, &e.FailureReason, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PrepaidBalance returns the refundable amount still held against a
// session: successful prepay captures minus refunds already issued, plus
// the transaction ref of the original capture.
func (s *Store) PrepaidBalance(ctx context.Context, sessionID string) (int64, string, error) {
	entries, err := s.ListLedger(ctx, sessionID)
	if err != nil {
		return 0, "", err
	}
	var balance int64
	var captureRef string
	for _, e := range entries {
		if e.Outcome != session.OutcomeSuccess {
			continue
		}
		switch e.Kind {
		case session.EntryPrepay:
			balance += e.Amount
			captureRef = e.TransactionRef
		case session.EntryRefund:
			balance -= e.Amount
		}
	}
	return balance, captureRef, nil
}
