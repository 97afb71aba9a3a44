package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/soulseer/backend/internal/session"
)

const sessionColumns = `id, client_id, reader_id, kind, status,
	scheduled_start, scheduled_end, actual_start, actual_end,
	rate_per_minute, amount_billed, last_bill_time, currency,
	meeting_ref, notes, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	var s session.Session
	var schedStart, schedEnd, actStart, actEnd, lastBill sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&s.ID, &s.ClientID, &s.ReaderID, &s.Kind, &s.Status,
		&schedStart, &schedEnd, &actStart, &actEnd,
		&s.RatePerMinute, &s.AmountBilled, &lastBill, &s.Currency,
		&s.MeetingRef, &s.Notes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.ScheduledStart, err = decodeTimePtr(schedStart); err != nil {
		return nil, err
	}
	if s.ScheduledEnd, err = decodeTimePtr(schedEnd); err != nil {
		return nil, err
	}
	if s.ActualStart, err = decodeTimePtr(actStart); err != nil {
		return nil, err
	}
	if s.ActualEnd, err = decodeTimePtr(actEnd); err != nil {
		return nil, err
	}
	if s.LastBillTime, err = decodeTimePtr(lastBill); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ClientID, sess.ReaderID, sess.Kind, sess.Status,
		encodeTimePtr(sess.ScheduledStart), encodeTimePtr(sess.ScheduledEnd),
		encodeTimePtr(sess.ActualStart), encodeTimePtr(sess.ActualEnd),
		sess.RatePerMinute, sess.AmountBilled, encodeTimePtr(sess.LastBillTime),
		sess.Currency, sess.MeetingRef, sess.Notes,
		encodeTime(sess.CreatedAt), encodeTime(sess.UpdatedAt))
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListUserSessions returns every session the user participates in, newest
// first.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE client_id = ? OR reader_id = ?
		ORDER BY created_at DESC`, userID, userID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListInProgress returns all live sessions. The billing engine calls this
// at startup to resume interrupted billing loops.
func (s *Store) ListInProgress(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE status = ?`, session.StatusInProgress)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]*session.Session, error) {
	defer rows.Close()
	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// HasOverlap reports whether the reader already has a booked session whose
// scheduled window intersects [start, end).
func (s *Store) HasOverlap(ctx context.Context, readerID string, start, end time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE reader_id = ?
		  AND status IN (?, ?, ?)
		  AND scheduled_start IS NOT NULL AND scheduled_end IS NOT NULL
		  AND scheduled_start < ? AND scheduled_end > ?`,
		readerID, session.StatusPending, session.StatusScheduled, session.StatusConfirmed,
		encodeTime(end), encodeTime(start)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConditionalUpdateStatus moves a session from expected to next in one
// statement, stamping any non-nil transition fields. It returns
// session.ErrInvalidTransition when the row exists but its status is no
// longer expected, which is how concurrent lifecycle races resolve: first
// writer wins, the loser's transition does not apply.
func (s *Store) ConditionalUpdateStatus(ctx context.Context, id string, expected, next session.Status, fields session.TransitionFields) error {
	if err := session.CheckTransition(expected, next); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?,
			scheduled_start = COALESCE(?, scheduled_start),
			actual_start = COALESCE(?, actual_start),
			actual_end = COALESCE(?, actual_end),
			last_bill_time = COALESCE(?, last_bill_time),
			meeting_ref = CASE WHEN ? = '' THEN meeting_ref ELSE ? END,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		next,
		encodeTimePtr(fields.ScheduledStart),
		encodeTimePtr(fields.ActualStart),
		encodeTimePtr(fields.ActualEnd),
		encodeTimePtr(fields.LastBillTime),
		fields.MeetingRef, fields.MeetingRef,
		encodeTime(time.Now().UTC()),
		id, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return session.ErrInvalidTransition
	}
	return nil
}

// ApplyBillingTick records one successful charge: the session's running
// total and bill anchor advance together with both participants' lifetime
// aggregates, in a single transaction.
func (s *Store) ApplyBillingTick(ctx context.Context, tick session.BillingTick) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := encodeTime(time.Now().UTC())
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET amount_billed = amount_billed + ?, last_bill_time = ?, updated_at = ?
		WHERE id = ?`,
		tick.Amount, encodeTime(tick.BilledAt), now, tick.SessionID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	for _, userID := range []string{tick.ClientID, tick.ReaderID} {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET total_seconds = total_seconds + ?, total_amount = total_amount + ?, updated_at = ?
			WHERE id = ?`,
			tick.ElapsedSeconds, tick.Amount, now, userID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
