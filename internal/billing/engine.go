// Package billing runs the metered billing loop: one supervised task per
// in-progress session that charges the client at a fixed interval, credits
// the reader net of the platform fee, keeps the append-only tick ledger, and
// terminates the session when a charge fails.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soulseer/backend/internal/notify"
	"github.com/soulseer/backend/internal/payment"
	"github.com/soulseer/backend/internal/session"
)

// RecordStore is the slice of the session record store the engine depends
// on. The store owns the canonical session state; the engine re-reads it on
// every tick and never caches a session across ticks.
type RecordStore interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListInProgress(ctx context.Context) ([]*session.Session, error)
	AppendLedgerEntry(ctx context.Context, e *session.LedgerEntry) error
	ApplyBillingTick(ctx context.Context, tick session.BillingTick) error
	// ConditionalUpdateStatus performs a compare-and-set on the status
	// column, returning session.ErrInvalidTransition when the expected
	// status no longer holds.
	ConditionalUpdateStatus(ctx context.Context, id string, expected, next session.Status, fields session.TransitionFields) error
}

// Events receives realtime announcements for billing outcomes.
type Events interface {
	SessionBilled(s *session.Session, amount, total int64)
	SessionPaymentFailed(s *session.Session, reason string)
}

// task is one running billing loop.
type task struct {
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// Engine owns every billing task. Exactly one task runs per session; Start
// is a compare-and-set against the task registry, so concurrent starts for
// the same session spawn a single loop.
type Engine struct {
	store      RecordStore
	gateway    payment.Gateway
	events     Events
	notifier   notify.Notifier
	interval   time.Duration
	feePercent int

	// now is swappable for tests.
	now func() time.Time

	baseCtx context.Context
	stopAll context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
}

// NewEngine creates an Engine. Tasks are spawned under the engine's own
// root context so Shutdown can cancel and drain all of them.
func NewEngine(store RecordStore, gateway payment.Gateway, events Events, notifier notify.Notifier, interval time.Duration, feePercent int) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		gateway:    gateway,
		events:     events,
		notifier:   notifier,
		interval:   interval,
		feePercent: feePercent,
		now:        time.Now,
		baseCtx:    ctx,
		stopAll:    cancel,
		tasks:      make(map[string]*task),
	}
}

// Start arms a billing task for the session. Idempotent: if a task already
// runs for this session, Start is a no-op.
func (e *Engine) Start(sessionID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		slog.Warn("billing engine closed, ignoring start", slog.String("session_id", sessionID))
		return
	}
	if _, running := e.tasks[sessionID]; running {
		e.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	t := &task{sessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	e.tasks[sessionID] = t
	e.mu.Unlock()

	go e.run(ctx, t)
	slog.Info("billing task started", slog.String("session_id", sessionID))
}

// Stop signals the session's billing task to exit and waits for it to
// drain. The task finishes any in-flight charge first; it is never cut off
// mid-charge. Idempotent: stopping an absent task is a no-op.
func (e *Engine) Stop(sessionID, reason string) {
	e.mu.Lock()
	t, running := e.tasks[sessionID]
	e.mu.Unlock()
	if !running {
		return
	}

	t.cancel()
	<-t.done
	slog.Info("billing task stopped",
		slog.String("session_id", sessionID),
		slog.String("reason", reason))
}

// Running reports whether a billing task is active for the session.
func (e *Engine) Running(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, running := e.tasks[sessionID]
	return running
}

// Resume re-arms billing for every session the store still records as in
// progress. Each task anchors its first tick to the persisted LastBillTime
// (or ActualStart), never to the restart time, so downtime is neither
// skipped nor double-charged.
func (e *Engine) Resume(ctx context.Context) error {
	sessions, err := e.store.ListInProgress(ctx)
	if err != nil {
		return fmt.Errorf("list in-progress sessions: %w", err)
	}
	for _, s := range sessions {
		e.Start(s.ID)
	}
	if len(sessions) > 0 {
		slog.Info("resumed billing tasks", slog.Int("count", len(sessions)))
	}
	return nil
}

// Shutdown cancels every task and waits for them to drain, or for ctx to
// expire. After Shutdown the engine accepts no new tasks.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	e.stopAll()
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return fmt.Errorf("billing shutdown: %w", ctx.Err())
		}
	}
	return nil
}

// run is the per-session tick loop. The stop signal is observed at the top
// of each iteration; a charge already in flight always completes and is
// ledgered before the task exits.
func (e *Engine) run(ctx context.Context, t *task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("billing task panicked",
				slog.String("session_id", t.sessionID),
				slog.Any("panic", r))
			e.failSession(t.sessionID, fmt.Sprintf("internal billing error: %v", r), 0, 0)
		}
		e.retire(t)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s, err := e.store.GetSession(ctx, t.sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("billing: session read failed",
				slog.String("session_id", t.sessionID), slog.Any("error", err))
			e.sleep(ctx, e.interval)
			continue
		}

		if s.Status != session.StatusInProgress {
			slog.Info("billing: session no longer in progress, retiring",
				slog.String("session_id", t.sessionID),
				slog.String("status", string(s.Status)))
			return
		}

		anchor := s.LastBillTime
		if anchor == nil {
			anchor = s.ActualStart
		}
		if anchor == nil {
			slog.Error("billing: in-progress session has no start time",
				slog.String("session_id", t.sessionID))
			return
		}

		now := e.now()
		elapsed := now.Sub(*anchor)
		if elapsed < e.interval {
			// Never bill a short interval; sleep out the remainder.
			e.sleep(ctx, e.interval-elapsed)
			continue
		}

		if done := e.bill(ctx, s, *anchor, now); done {
			return
		}

		e.sleep(ctx, e.interval)
	}
}

// bill executes one tick: charge the client, credit the reader, ledger the
// outcome. Returns true when the task should retire (payment failure).
// The gateway calls run under a non-cancellable context: a stop request
// takes effect at the next loop top, never mid-charge.
func (e *Engine) bill(ctx context.Context, s *session.Session, anchor, now time.Time) (retire bool) {
	elapsedSeconds := int64(now.Sub(anchor) / time.Second)
	amount := TickAmount(s.RatePerMinute, elapsedSeconds)
	chargeCtx := context.WithoutCancel(ctx)

	if amount > 0 {
		result, err := e.gateway.Charge(chargeCtx, payment.ChargeRequest{
			PayerID:        s.ClientID,
			Amount:         amount,
			Currency:       s.Currency,
			Description:    fmt.Sprintf("reading session %s: %ds", s.ID, elapsedSeconds),
			IdempotencyKey: fmt.Sprintf("%s:%d", s.ID, anchor.Unix()),
		})
		if err != nil {
			// A gateway error is not retried within the tick: the charge
			// state is ambiguous and must not be resubmitted blindly.
			e.failSession(s.ID, fmt.Sprintf("charge error: %v", err), amount, elapsedSeconds)
			return true
		}
		if !result.Succeeded {
			e.failSession(s.ID, result.FailureReason, amount, elapsedSeconds)
			return true
		}

		if net := amount - amount*int64(e.feePercent)/100; net > 0 {
			tr, err := e.gateway.Transfer(chargeCtx, payment.TransferRequest{
				PayeeID:  s.ReaderID,
				Amount:   net,
				Currency: s.Currency,
			})
			if err == nil && !tr.Succeeded {
				err = fmt.Errorf("transfer declined")
			}
			if err != nil {
				// Charge and credit must land together; unwind the charge.
				if refundErr := e.gateway.Refund(chargeCtx, result.TransactionRef, amount); refundErr != nil {
					slog.Error("billing: refund after failed transfer also failed",
						slog.String("session_id", s.ID), slog.Any("error", refundErr))
				}
				e.failSession(s.ID, fmt.Sprintf("transfer error: %v", err), amount, elapsedSeconds)
				return true
			}
		}

		entry := &session.LedgerEntry{
			ID:             uuid.New().String(),
			SessionID:      s.ID,
			Kind:           session.EntryTick,
			Amount:         amount,
			ElapsedSeconds: elapsedSeconds,
			Outcome:        session.OutcomeSuccess,
			TransactionRef: result.TransactionRef,
			CreatedAt:      now,
		}
		if err := e.store.AppendLedgerEntry(chargeCtx, entry); err != nil {
			slog.Error("billing: ledger append failed",
				slog.String("session_id", s.ID), slog.Any("error", err))
		}
	}

	if err := e.store.ApplyBillingTick(chargeCtx, session.BillingTick{
		SessionID:      s.ID,
		ClientID:       s.ClientID,
		ReaderID:       s.ReaderID,
		Amount:         amount,
		ElapsedSeconds: elapsedSeconds,
		BilledAt:       now,
	}); err != nil {
		slog.Error("billing: tick apply failed",
			slog.String("session_id", s.ID), slog.Any("error", err))
		return false
	}

	if amount > 0 {
		e.events.SessionBilled(s, amount, s.AmountBilled+amount)
		slog.Info("billed session",
			slog.String("session_id", s.ID),
			slog.Int64("amount", amount),
			slog.Int64("elapsed_seconds", elapsedSeconds))
	}
	return false
}

// failSession audits the failed attempt, moves the session to failed via
// the state machine CAS, and announces the termination. Prior successful
// ticks stand; nothing is refunded.
func (e *Engine) failSession(sessionID, reason string, amount, elapsedSeconds int64) {
	// The task may be exiting because its context was cancelled; the
	// failure bookkeeping still has to land.
	ctx := context.Background()
	now := e.now()

	entry := &session.LedgerEntry{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Kind:           session.EntryTick,
		Amount:         amount,
		ElapsedSeconds: elapsedSeconds,
		Outcome:        session.OutcomeFailure,
		FailureReason:  reason,
		CreatedAt:      now,
	}
	if err := e.store.AppendLedgerEntry(ctx, entry); err != nil {
		slog.Error("billing: failed-tick ledger append failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}

	err := e.store.ConditionalUpdateStatus(ctx, sessionID,
		session.StatusInProgress, session.StatusFailed,
		session.TransitionFields{ActualEnd: &now})
	if err != nil {
		// Lost the race against a concurrent cancel/complete; their
		// transition won and this one cleanly did not apply.
		slog.Warn("billing: failed transition did not apply",
			slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("billing: session read after failure",
			slog.String("session_id", sessionID), slog.Any("error", err))
		return
	}

	e.events.SessionPaymentFailed(s, reason)
	payload := map[string]any{"session_id": sessionID, "reason": reason}
	e.notifier.Notify(ctx, s.ClientID, notify.EventPaymentFailed, payload)
	e.notifier.Notify(ctx, s.ReaderID, notify.EventPaymentFailed, payload)

	slog.Warn("session terminated on payment failure",
		slog.String("session_id", sessionID),
		slog.String("reason", reason))
}

// retire removes the task from the registry and signals Stop callers.
func (e *Engine) retire(t *task) {
	e.mu.Lock()
	if e.tasks[t.sessionID] == t {
		delete(e.tasks, t.sessionID)
	}
	e.mu.Unlock()
	close(t.done)
}

// sleep waits for d or until the task is cancelled.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// TickAmount converts elapsed seconds at a per-minute rate into a charge in
// minor units, rounding half up.
func TickAmount(ratePerMinute, elapsedSeconds int64) int64 {
	if ratePerMinute <= 0 || elapsedSeconds <= 0 {
		return 0
	}
	return (ratePerMinute*elapsedSeconds + 30) / 60
}
