package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/soulseer/backend/internal/notify"
	"github.com/soulseer/backend/internal/payment"
	"github.com/soulseer/backend/internal/session"
)

// memStore is an in-memory RecordStore for engine tests.
type memStore struct {
	mu            sync.Mutex
	sessions      map[string]*session.Session
	ledger        []*session.LedgerEntry
	ticks         int
	completeAfter int // when > 0, mark the session completed after N ticks
	getCalls      int
}

func newMemStore(sessions ...*session.Session) *memStore {
	m := &memStore{sessions: make(map[string]*session.Session)}
	for _, s := range sessions {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *memStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) ListInProgress(context.Context) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session.Session
	for _, s := range m.sessions {
		if s.Status == session.StatusInProgress {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) AppendLedgerEntry(_ context.Context, e *session.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, e)
	return nil
}

func (m *memStore) ApplyBillingTick(_ context.Context, tick session.BillingTick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tick.SessionID]
	if !ok {
		return errors.New("session not found")
	}
	s.AmountBilled += tick.Amount
	at := tick.BilledAt
	s.LastBillTime = &at
	m.ticks++
	if m.completeAfter > 0 && m.ticks >= m.completeAfter {
		s.Status = session.StatusCompleted
	}
	return nil
}

func (m *memStore) ConditionalUpdateStatus(_ context.Context, id string, expected, next session.Status, fields session.TransitionFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return errors.New("session not found")
	}
	if s.Status != expected {
		return session.ErrInvalidTransition
	}
	s.Status = next
	if fields.ActualEnd != nil {
		s.ActualEnd = fields.ActualEnd
	}
	if fields.LastBillTime != nil {
		s.LastBillTime = fields.LastBillTime
	}
	return nil
}

func (m *memStore) entries() []*session.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.LedgerEntry, len(m.ledger))
	copy(out, m.ledger)
	return out
}

func (m *memStore) status(id string) session.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Status
}

func (m *memStore) billed(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].AmountBilled
}

func (m *memStore) reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls
}

// eventLog records billing announcements.
type eventLog struct {
	mu       sync.Mutex
	billed   []int64
	failures []string
}

func (e *eventLog) SessionBilled(_ *session.Session, amount, _ int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.billed = append(e.billed, amount)
}

func (e *eventLog) SessionPaymentFailed(_ *session.Session, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = append(e.failures, reason)
}

func (e *eventLog) failureReasons() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.failures))
	copy(out, e.failures)
	return out
}

// stepClock advances by a fixed step on every read, collapsing the tick
// cadence so tests run in milliseconds.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func inProgressSession(id string, rate int64, start time.Time) *session.Session {
	return &session.Session{
		ID:            id,
		ClientID:      "client-1",
		ReaderID:      "reader-1",
		Kind:          session.KindVideo,
		Status:        session.StatusInProgress,
		RatePerMinute: rate,
		Currency:      "usd",
		ActualStart:   &start,
	}
}

func TestTickAmount(t *testing.T) {
	tests := []struct {
		rate    int64
		seconds int64
		want    int64
	}{
		{200, 60, 200},
		{200, 180, 600},
		{100, 30, 50},
		{100, 45, 75},
		{199, 1, 3},  // 3.316 rounds to 3
		{100, 1, 2},  // 1.66 rounds up
		{1, 29, 0},   // 0.483 rounds down
		{1, 30, 1},   // half rounds up
		{0, 60, 0},
		{200, 0, 0},
		{-5, 60, 0},
	}
	for _, tt := range tests {
		if got := TickAmount(tt.rate, tt.seconds); got != tt.want {
			t.Errorf("TickAmount(%d, %d) = %d, want %d", tt.rate, tt.seconds, got, tt.want)
		}
	}
}

func TestConcurrentStartSpawnsSingleTask(t *testing.T) {
	start := time.Now()
	store := newMemStore(inProgressSession("s1", 200, start))
	eng := NewEngine(store, payment.NewSandbox(), &eventLog{}, notify.Discard{}, time.Hour, 15)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Start("s1")
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return store.reads() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := store.reads(); got != 1 {
		t.Errorf("expected 1 session read from a single task, got %d", got)
	}
	if !eng.Running("s1") {
		t.Error("expected task to be running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if eng.Running("s1") {
		t.Error("expected task to be retired after shutdown")
	}
}

func TestBillingTickScenario(t *testing.T) {
	// Rate 200/min, clock stepping exactly one minute per tick: three
	// ticks of 200 then the session completes out from under the task.
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(inProgressSession("s1", 200, t0))
	store.completeAfter = 3
	gw := payment.NewSandbox()
	events := &eventLog{}
	eng := NewEngine(store, gw, events, notify.Discard{}, time.Millisecond, 15)
	eng.now = (&stepClock{t: t0, step: time.Minute}).Now

	eng.Start("s1")
	waitFor(t, func() bool { return !eng.Running("s1") })

	if got := store.billed("s1"); got != 600 {
		t.Errorf("expected 600 billed, got %d", got)
	}
	entries := store.entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Kind != session.EntryTick || e.Outcome != session.OutcomeSuccess {
			t.Errorf("entry %d: kind=%s outcome=%s", i, e.Kind, e.Outcome)
		}
		if e.Amount != 200 || e.ElapsedSeconds != 60 {
			t.Errorf("entry %d: amount=%d elapsed=%d, want 200/60", i, e.Amount, e.ElapsedSeconds)
		}
		if e.TransactionRef == "" {
			t.Errorf("entry %d: missing transaction ref", i)
		}
	}
	// Reader receives each tick net of the 15% fee.
	if got := gw.Earnings("reader-1"); got != 510 {
		t.Errorf("expected reader earnings 510, got %d", got)
	}
	if got := store.status("s1"); got != session.StatusCompleted {
		t.Errorf("expected completed, got %s", got)
	}
}

func TestChargeFailureTerminatesSession(t *testing.T) {
	// Client holds enough for one tick only; the second charge declines
	// and the session moves to failed. The first tick is not refunded.
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore(inProgressSession("s1", 200, t0))
	gw := payment.NewSandbox()
	gw.SetBalance("client-1", 250)
	events := &eventLog{}
	eng := NewEngine(store, gw, events, notify.Discard{}, time.Millisecond, 15)
	eng.now = (&stepClock{t: t0, step: time.Minute}).Now

	eng.Start("s1")
	waitFor(t, func() bool { return !eng.Running("s1") })

	if got := store.status("s1"); got != session.StatusFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if got := store.billed("s1"); got != 200 {
		t.Errorf("expected 200 billed from the successful tick, got %d", got)
	}

	entries := store.entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	if entries[0].Outcome != session.OutcomeSuccess {
		t.Errorf("first entry outcome = %s, want success", entries[0].Outcome)
	}
	last := entries[1]
	if last.Outcome != session.OutcomeFailure || last.FailureReason != "insufficient_funds" {
		t.Errorf("failure entry = %+v", last)
	}

	reasons := events.failureReasons()
	if len(reasons) != 1 || reasons[0] != "insufficient_funds" {
		t.Errorf("expected one payment-failed event, got %v", reasons)
	}

	store.mu.Lock()
	end := store.sessions["s1"].ActualEnd
	store.mu.Unlock()
	if end == nil {
		t.Error("expected actual end to be set on failure")
	}
}

func TestResumeAnchorsAtPersistedBillTime(t *testing.T) {
	// The store says the session was last billed at t0; the process comes
	// back three minutes later and the first tick covers the full gap.
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := inProgressSession("s1", 200, t0.Add(-10*time.Minute))
	last := t0
	s.LastBillTime = &last
	store := newMemStore(s)
	store.completeAfter = 1
	gw := payment.NewSandbox()
	eng := NewEngine(store, gw, &eventLog{}, notify.Discard{}, time.Millisecond, 15)
	eng.now = (&stepClock{t: t0, step: 3 * time.Minute}).Now

	if err := eng.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, func() bool { return !eng.Running("s1") })

	entries := store.entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].Amount != 600 || entries[0].ElapsedSeconds != 180 {
		t.Errorf("entry amount=%d elapsed=%d, want 600/180", entries[0].Amount, entries[0].ElapsedSeconds)
	}
}

func TestStopBeforeFirstTickBillsNothing(t *testing.T) {
	store := newMemStore(inProgressSession("s1", 200, time.Now()))
	gw := payment.NewSandbox()
	eng := NewEngine(store, gw, &eventLog{}, notify.Discard{}, time.Hour, 15)

	eng.Start("s1")
	waitFor(t, func() bool { return store.reads() >= 1 })
	eng.Stop("s1", "client ended early")

	if eng.Running("s1") {
		t.Error("expected task to be retired")
	}
	if got := len(store.entries()); got != 0 {
		t.Errorf("expected no ledger entries, got %d", got)
	}
	// Stopping again is a no-op.
	eng.Stop("s1", "again")
}

func TestFailureLosesRaceToConcurrentTransition(t *testing.T) {
	// If another path already moved the session out of in_progress, the
	// failure transition must not clobber it.
	t0 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s := inProgressSession("s1", 200, t0)
	s.Status = session.StatusCompleted
	store := newMemStore(s)
	events := &eventLog{}
	eng := NewEngine(store, payment.NewSandbox(), events, notify.Discard{}, time.Millisecond, 15)

	eng.failSession("s1", "card_declined", 200, 60)

	if got := store.status("s1"); got != session.StatusCompleted {
		t.Errorf("expected completed to stand, got %s", got)
	}
	if got := len(events.failureReasons()); got != 0 {
		t.Errorf("expected no payment-failed event, got %d", got)
	}
	// The failed attempt is still audited.
	entries := store.entries()
	if len(entries) != 1 || entries[0].Outcome != session.OutcomeFailure {
		t.Fatalf("expected one failure entry, got %v", entries)
	}
}

func TestIdempotencyKeyStableAcrossRetry(t *testing.T) {
	// Two charges with the same session and anchor must replay, not
	// double-bill: the sandbox enforces what a real processor would.
	gw := payment.NewSandbox()
	req := payment.ChargeRequest{
		PayerID:        "client-1",
		Amount:         200,
		Currency:       "usd",
		IdempotencyKey: "s1:1754049600",
	}
	first, err := gw.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	second, err := gw.Charge(context.Background(), req)
	if err != nil {
		t.Fatalf("Charge replay: %v", err)
	}
	if second.TransactionRef != first.TransactionRef {
		t.Errorf("replay produced a new charge: %q vs %q", second.TransactionRef, first.TransactionRef)
	}
}
