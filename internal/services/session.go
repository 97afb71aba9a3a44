package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soulseer/backend/internal/billing"
	"github.com/soulseer/backend/internal/logging"
	"github.com/soulseer/backend/internal/notify"
	"github.com/soulseer/backend/internal/payment"
	"github.com/soulseer/backend/internal/session"
	"github.com/soulseer/backend/internal/store"
)

var (
	ErrForbidden           = errors.New("not a participant of this session")
	ErrInvalidBooking      = errors.New("invalid booking request")
	ErrReaderUnavailable   = errors.New("reader is not available for the requested time")
	ErrInsufficientBalance = errors.New("insufficient balance for this session")
	ErrNotJoinable         = errors.New("session cannot be joined")
	ErrNotReviewable       = errors.New("session cannot be reviewed")
)

// Participants may enter the meeting up to this long before the scheduled
// start.
const joinBuffer = 15 * time.Minute

// Events receives realtime announcements for lifecycle transitions the
// service drives. Billing failure events are emitted by the engine itself.
type Events interface {
	SessionStarted(s *session.Session)
	SessionCompleted(s *session.Session, total int64)
	SessionCancelled(s *session.Session)
}

// Presence reports whether a user currently holds a realtime connection.
type Presence interface {
	Connected(userID string) bool
}

// BookingRequest is a client's ask for a reading.
type BookingRequest struct {
	ReaderID        string
	Kind            session.Kind
	Start           time.Time // zero for immediate or async readings
	DurationMinutes int
	Notes           string
}

// JoinInfo is what a participant needs to enter a live session.
type JoinInfo struct {
	SessionID        string
	MeetingURL       string
	MeetingToken     string
	JoinSecret       string
	Channel          string
	OtherParticipant string
	OtherOnline      bool
}

// UserStats are a user's lifetime aggregates plus, for readers, their
// review standing.
type UserStats struct {
	UserID        string
	Role          store.Role
	TotalSessions int64
	TotalMinutes  int64
	TotalAmount   int64
	AverageRating float64
	ReviewCount   int64
}

// SessionService orchestrates the session lifecycle. Every status change
// goes through the store's compare-and-set, so concurrent paths (both
// participants acting at once, billing failing mid-cancel) resolve to a
// single winner.
type SessionService struct {
	store    *store.Store
	gateway  payment.Gateway
	engine   *billing.Engine
	events   Events
	presence Presence
	notifier notify.Notifier
	auth     *AuthService
	meetings *MeetingService
	currency string

	now func() time.Time
}

func NewSessionService(
	st *store.Store,
	gateway payment.Gateway,
	engine *billing.Engine,
	events Events,
	presence Presence,
	notifier notify.Notifier,
	auth *AuthService,
	meetings *MeetingService,
	currency string,
) *SessionService {
	return &SessionService{
		store:    st,
		gateway:  gateway,
		engine:   engine,
		events:   events,
		presence: presence,
		notifier: notifier,
		auth:     auth,
		meetings: meetings,
		currency: currency,
		now:      time.Now,
	}
}

// Book creates a session in pending, awaiting the reader's response. All
// preconditions are checked before any record or charge exists, except the
// async-message prepay, which is captured first and refunded if the record
// cannot be written.
func (s *SessionService) Book(ctx context.Context, clientID string, req BookingRequest) (*session.Session, error) {
	if !req.Kind.Valid() || req.DurationMinutes <= 0 {
		return nil, ErrInvalidBooking
	}

	client, err := s.store.GetUser(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	reader, err := s.store.GetUser(ctx, req.ReaderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidBooking
		}
		return nil, fmt.Errorf("load reader: %w", err)
	}
	if reader.Role != store.RoleReader || reader.RatePerMinute <= 0 || reader.ID == client.ID {
		return nil, ErrInvalidBooking
	}

	var scheduledStart, scheduledEnd *time.Time
	if req.Kind != session.KindMessage {
		if req.Start.IsZero() || req.Start.Before(s.now()) {
			return nil, ErrInvalidBooking
		}
		end := req.Start.Add(time.Duration(req.DurationMinutes) * time.Minute)
		overlap, err := s.store.HasOverlap(ctx, reader.ID, req.Start, end)
		if err != nil {
			return nil, fmt.Errorf("check availability: %w", err)
		}
		if overlap {
			return nil, ErrReaderUnavailable
		}
		scheduledStart, scheduledEnd = &req.Start, &end
	}

	cost := reader.RatePerMinute * int64(req.DurationMinutes)
	if err := s.gateway.Authorize(ctx, client.ID, cost); err != nil {
		if errors.Is(err, payment.ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("authorize booking: %w", err)
	}

	slug, err := s.meetings.NewSlug()
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:             uuid.New().String(),
		ClientID:       client.ID,
		ReaderID:       reader.ID,
		Kind:           req.Kind,
		Status:         session.StatusPending,
		ScheduledStart: scheduledStart,
		ScheduledEnd:   scheduledEnd,
		RatePerMinute:  reader.RatePerMinute,
		Currency:       s.currency,
		MeetingRef:     slug,
		Notes:          req.Notes,
	}

	// Async readings pay upfront: the whole duration is captured now and
	// refundable until delivered.
	var prepay *session.LedgerEntry
	if req.Kind == session.KindMessage {
		result, err := s.gateway.Charge(ctx, payment.ChargeRequest{
			PayerID:        client.ID,
			Amount:         cost,
			Currency:       s.currency,
			Description:    fmt.Sprintf("reading session %s: upfront", sess.ID),
			IdempotencyKey: sess.ID + ":prepay",
		})
		if err != nil {
			return nil, fmt.Errorf("capture prepay: %w", err)
		}
		if !result.Succeeded {
			return nil, ErrInsufficientBalance
		}
		prepay = &session.LedgerEntry{
			ID:             uuid.New().String(),
			SessionID:      sess.ID,
			Kind:           session.EntryPrepay,
			Amount:         cost,
			Outcome:        session.OutcomeSuccess,
			TransactionRef: result.TransactionRef,
			CreatedAt:      s.now().UTC(),
		}
	}

	if err := s.store.CreateSession(ctx, sess); err != nil {
		if prepay != nil {
			if refundErr := s.gateway.Refund(ctx, prepay.TransactionRef, prepay.Amount); refundErr != nil {
				slog.Error("refund after failed booking write also failed",
					slog.String("session_id", sess.ID), slog.Any("error", refundErr))
			}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	if prepay != nil {
		if err := s.store.AppendLedgerEntry(ctx, prepay); err != nil {
			slog.Error("prepay ledger append failed",
				slog.String("session_id", sess.ID), slog.Any("error", err))
		}
	}

	s.notifier.Notify(ctx, reader.ID, notify.EventSessionScheduled, map[string]any{
		"session_id": sess.ID,
		"client_id":  client.ID,
		"kind":       string(sess.Kind),
	})
	slog.Info("session booked",
		slog.String("session_id", sess.ID),
		slog.String("kind", string(sess.Kind)),
		slog.Int64("rate_per_minute", sess.RatePerMinute))
	return sess, nil
}

// Confirm is the reader accepting a pending booking. Scheduled readings
// move to scheduled until join time; immediate ones straight to confirmed.
func (s *SessionService) Confirm(ctx context.Context, readerID, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ReaderID != readerID {
		return nil, ErrForbidden
	}

	next := session.StatusConfirmed
	if sess.ScheduledStart != nil && sess.ScheduledStart.After(s.now().Add(joinBuffer)) {
		next = session.StatusScheduled
	}
	if err := s.store.ConditionalUpdateStatus(ctx, sessionID, session.StatusPending, next, session.TransitionFields{}); err != nil {
		return nil, err
	}

	s.notifier.Notify(ctx, sess.ClientID, notify.EventSessionConfirmed, map[string]any{
		"session_id": sessionID,
	})
	return s.store.GetSession(ctx, sessionID)
}

// Decline is the reader refusing a pending booking. Any prepay is returned.
func (s *SessionService) Decline(ctx context.Context, readerID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ReaderID != readerID {
		return ErrForbidden
	}
	if err := s.store.ConditionalUpdateStatus(ctx, sessionID, session.StatusPending, session.StatusDeclined, session.TransitionFields{}); err != nil {
		return err
	}

	if err := s.refundPrepaid(ctx, sessionID); err != nil {
		slog.Error("refund on decline failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}
	s.notifier.Notify(ctx, sess.ClientID, notify.EventSessionDeclined, map[string]any{
		"session_id": sessionID,
	})
	return nil
}

// Join hands a participant the meeting credentials. The first join of a
// confirmed session starts it: actual start is stamped, the billing task
// armed, and a "started" event broadcast. A scheduled session joined inside
// the buffer is confirmed on the way through.
func (s *SessionService) Join(ctx context.Context, userID, sessionID string) (*JoinInfo, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(userID) {
		return nil, ErrForbidden
	}
	if sess.Kind == session.KindMessage {
		return nil, ErrNotJoinable
	}
	if sess.ScheduledStart != nil && s.now().Before(sess.ScheduledStart.Add(-joinBuffer)) {
		return nil, ErrNotJoinable
	}

	switch sess.Status {
	case session.StatusScheduled:
		err := s.store.ConditionalUpdateStatus(ctx, sessionID, session.StatusScheduled, session.StatusConfirmed, session.TransitionFields{})
		if err != nil && !errors.Is(err, session.ErrInvalidTransition) {
			return nil, err
		}
		fallthrough
	case session.StatusConfirmed:
		if err := s.start(ctx, sess); err != nil {
			return nil, err
		}
	case session.StatusInProgress:
		// Second participant joining, or a rejoin.
	default:
		return nil, ErrNotJoinable
	}

	token, err := s.auth.GenerateMeetingToken(sessionID, userID)
	if err != nil {
		return nil, fmt.Errorf("issue meeting token: %w", err)
	}
	secret, err := s.meetings.JoinSecret(sessionID, sess.MeetingRef)
	if err != nil {
		return nil, err
	}

	other := sess.OtherParticipant(userID)
	return &JoinInfo{
		SessionID:        sessionID,
		MeetingURL:       s.meetings.Link(sess.MeetingRef),
		MeetingToken:     token,
		JoinSecret:       secret,
		Channel:          session.ChannelName(sessionID),
		OtherParticipant: other,
		OtherOnline:      s.presence.Connected(other),
	}, nil
}

// MeetingAccess identifies a verified meeting attendee to the media layer.
type MeetingAccess struct {
	SessionID string
	UserID    string
	Channel   string
}

// VerifyMeetingAccess checks credentials presented to the media layer: the
// session-scoped meeting token from Join and the derived join secret. Only
// live sessions admit attendees.
func (s *SessionService) VerifyMeetingAccess(ctx context.Context, token, slug, secret string) (*MeetingAccess, error) {
	claims, err := s.auth.ValidateMeetingToken(token)
	if err != nil {
		logging.LogSecurityEvent(ctx, logging.SecurityEventBadMeetingToken, "invalid meeting token")
		return nil, ErrForbidden
	}

	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.MeetingRef != slug || !s.meetings.VerifySecret(sess.ID, slug, secret) {
		logging.LogSecurityEvent(ctx, logging.SecurityEventBadJoinSecret, "join secret mismatch")
		return nil, ErrForbidden
	}
	if sess.Status != session.StatusInProgress {
		return nil, ErrNotJoinable
	}

	return &MeetingAccess{
		SessionID: sess.ID,
		UserID:    claims.Subject,
		Channel:   session.ChannelName(sess.ID),
	}, nil
}

// start drives confirmed → in_progress. Losing the race to the other
// participant is fine; the session is live either way.
func (s *SessionService) start(ctx context.Context, sess *session.Session) error {
	now := s.now().UTC()
	err := s.store.ConditionalUpdateStatus(ctx, sess.ID, session.StatusConfirmed, session.StatusInProgress,
		session.TransitionFields{ActualStart: &now, LastBillTime: &now})
	if err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			current, readErr := s.store.GetSession(ctx, sess.ID)
			if readErr == nil && current.Status == session.StatusInProgress {
				return nil
			}
			return ErrNotJoinable
		}
		return err
	}

	s.engine.Start(sess.ID)

	started, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		started = sess
	}
	s.events.SessionStarted(started)
	for _, uid := range []string{sess.ClientID, sess.ReaderID} {
		s.notifier.Notify(ctx, uid, notify.EventSessionStarted, map[string]any{
			"session_id": sess.ID,
		})
	}
	slog.Info("session started", slog.String("session_id", sess.ID))
	return nil
}

// End completes a live session: the billing task drains first so no tick
// lands after the terminal transition, then the final total is read from
// the record and announced.
func (s *SessionService) End(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(userID) {
		return nil, ErrForbidden
	}

	s.engine.Stop(sessionID, "ended by participant")

	now := s.now().UTC()
	err = s.store.ConditionalUpdateStatus(ctx, sessionID, session.StatusInProgress, session.StatusCompleted,
		session.TransitionFields{ActualEnd: &now})
	if err != nil {
		return nil, err
	}

	done, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.store.IncrementSessionCounts(ctx, done.ClientID, done.ReaderID); err != nil {
		slog.Error("session count update failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}

	s.events.SessionCompleted(done, done.AmountBilled)
	for _, uid := range []string{done.ClientID, done.ReaderID} {
		s.notifier.Notify(ctx, uid, notify.EventSessionCompleted, map[string]any{
			"session_id":   sessionID,
			"total_billed": done.AmountBilled,
		})
	}
	s.notifier.Notify(ctx, done.ClientID, notify.EventReviewRequested, map[string]any{
		"session_id": sessionID,
		"reader_id":  done.ReaderID,
	})
	slog.Info("session completed",
		slog.String("session_id", sessionID),
		slog.Int64("total_billed", done.AmountBilled))
	return done, nil
}

// Cancel aborts a session from any non-terminal state. For live sessions
// the billing task drains first; captured-but-undelivered prepay amounts
// are refunded. Metered tick charges stand: that time was delivered.
func (s *SessionService) Cancel(ctx context.Context, userID, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.Participant(userID) {
		return ErrForbidden
	}

	if sess.Status == session.StatusInProgress {
		s.engine.Stop(sessionID, "cancelled by participant")
		// Re-read: a tick may have failed the session while draining.
		if sess, err = s.store.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}

	now := s.now().UTC()
	fields := session.TransitionFields{}
	if sess.Status == session.StatusInProgress {
		fields.ActualEnd = &now
	}
	if err := s.store.ConditionalUpdateStatus(ctx, sessionID, sess.Status, session.StatusCancelled, fields); err != nil {
		return err
	}

	if err := s.refundPrepaid(ctx, sessionID); err != nil {
		slog.Error("refund on cancel failed",
			slog.String("session_id", sessionID), slog.Any("error", err))
	}

	cancelled, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		cancelled = sess
	}
	s.events.SessionCancelled(cancelled)
	for _, uid := range []string{sess.ClientID, sess.ReaderID} {
		s.notifier.Notify(ctx, uid, notify.EventSessionCancelled, map[string]any{
			"session_id": sessionID,
		})
	}
	slog.Info("session cancelled", slog.String("session_id", sessionID))
	return nil
}

// refundPrepaid returns any captured-but-unrefunded prepay amount and
// appends the matching ledger entry.
func (s *SessionService) refundPrepaid(ctx context.Context, sessionID string) error {
	balance, ref, err := s.store.PrepaidBalance(ctx, sessionID)
	if err != nil {
		return err
	}
	if balance <= 0 || ref == "" {
		return nil
	}
	if err := s.gateway.Refund(ctx, ref, balance); err != nil {
		return err
	}
	return s.store.AppendLedgerEntry(ctx, &session.LedgerEntry{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		Kind:           session.EntryRefund,
		Amount:         balance,
		Outcome:        session.OutcomeSuccess,
		TransactionRef: ref,
		CreatedAt:      s.now().UTC(),
	})
}

// Get returns a session to one of its participants.
func (s *SessionService) Get(ctx context.Context, userID, sessionID string) (*session.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Participant(userID) {
		return nil, ErrForbidden
	}
	return sess, nil
}

// List returns all of a user's sessions, newest first.
func (s *SessionService) List(ctx context.Context, userID string) ([]*session.Session, error) {
	return s.store.ListUserSessions(ctx, userID)
}

// Ledger returns a session's billing history to one of its participants.
func (s *SessionService) Ledger(ctx context.Context, userID, sessionID string) ([]*session.LedgerEntry, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListLedger(ctx, sessionID)
}

// Messages returns a session's chat history to one of its participants.
func (s *SessionService) Messages(ctx context.Context, userID, sessionID string, limit int) ([]*session.ChatMessage, error) {
	if _, err := s.Get(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, sessionID, limit)
}

// SubmitReview records the client's rating of a completed session.
func (s *SessionService) SubmitReview(ctx context.Context, clientID, sessionID string, rating int, comment string) (*session.Review, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrNotReviewable
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ClientID != clientID {
		return nil, ErrForbidden
	}
	if sess.Status != session.StatusCompleted {
		return nil, ErrNotReviewable
	}

	review := &session.Review{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		ClientID:  clientID,
		ReaderID:  sess.ReaderID,
		Rating:    rating,
		Comment:   comment,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateReview(ctx, review); err != nil {
		return nil, err
	}
	return review, nil
}

// UserStats returns lifetime aggregates plus review standing for readers.
func (s *SessionService) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &UserStats{
		UserID:        u.ID,
		Role:          u.Role,
		TotalSessions: u.TotalSessions,
		TotalMinutes:  u.TotalSeconds / 60,
		TotalAmount:   u.TotalAmount,
	}
	if u.Role == store.RoleReader {
		avg, count, err := s.store.ReaderRating(ctx, userID)
		if err != nil {
			return nil, err
		}
		stats.AverageRating = avg
		stats.ReviewCount = count
	}
	return stats, nil
}
