package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soulseer/backend/internal/session"
)

// ErrUnauthorizedChannel is returned when a user asks to join or publish to
// a session channel they are not a participant of. The connection stays
// open; only the request is rejected.
var ErrUnauthorizedChannel = errors.New("not authorized for this channel")

// SessionReader is the slice of the record store the gateway needs to
// authorize channel access.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
}

// ChatStore persists chat lines. Messages are written here before any
// realtime delivery.
type ChatStore interface {
	AppendChatMessage(ctx context.Context, msg *session.ChatMessage) error
}

// SessionGateway binds sessions to their realtime channels. It authorizes
// every subscribe/publish against the session's participant list, persists
// chat before broadcasting it, and pushes session lifecycle events to the
// session channel.
type SessionGateway struct {
	registry *Registry
	sessions SessionReader
	chats    ChatStore
}

// NewSessionGateway creates a gateway over the given registry and stores.
func NewSessionGateway(registry *Registry, sessions SessionReader, chats ChatStore) *SessionGateway {
	return &SessionGateway{
		registry: registry,
		sessions: sessions,
		chats:    chats,
	}
}

// Registry exposes the underlying connection registry.
func (g *SessionGateway) Registry() *Registry {
	return g.registry
}

// Subscribe joins a user to a session channel after verifying they are the
// session's client or reader.
func (g *SessionGateway) Subscribe(ctx context.Context, userID, channel string) error {
	if err := g.authorize(ctx, userID, channel); err != nil {
		return err
	}
	g.registry.Subscribe(userID, channel)
	return nil
}

// Unsubscribe leaves a channel. No authorization needed to leave.
func (g *SessionGateway) Unsubscribe(userID, channel string) {
	g.registry.Unsubscribe(userID, channel)
}

// PublishChat persists a chat message and broadcasts it to the session
// channel, excluding the sender. The persist happens first: live delivery is
// best effort, history is not. Returns the recipient count.
func (g *SessionGateway) PublishChat(ctx context.Context, userID, channel, body string) (int, error) {
	if err := g.authorize(ctx, userID, channel); err != nil {
		return 0, err
	}

	sessionID := session.SessionIDFromChannel(channel)
	msg := &session.ChatMessage{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		SenderID:  userID,
		Body:      body,
		SentAt:    time.Now().UTC(),
	}
	if err := g.chats.AppendChatMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("persist chat message: %w", err)
	}

	n := g.registry.Broadcast(channel, ServerMessage{
		Type:      TypeChat,
		Channel:   channel,
		Sender:    userID,
		Body:      body,
		Timestamp: msg.SentAt,
	}, userID)
	return n, nil
}

// SessionEvent is the payload attached to session_update frames.
type SessionEvent struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount,omitempty"`
	AmountBilled int64  `json:"amount_billed,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// SessionStarted announces the transition to in-progress.
func (g *SessionGateway) SessionStarted(s *session.Session) {
	g.emit(s, "started", SessionEvent{
		SessionID: s.ID,
		Status:    string(session.StatusInProgress),
	})
}

// SessionBilled announces a successful billing tick with the tick amount and
// the cumulative total.
func (g *SessionGateway) SessionBilled(s *session.Session, amount, total int64) {
	g.emit(s, "billed", SessionEvent{
		SessionID:    s.ID,
		Status:       string(session.StatusInProgress),
		Amount:       amount,
		AmountBilled: total,
		Currency:     s.Currency,
	})
}

// SessionCompleted announces normal completion with the final billed total.
func (g *SessionGateway) SessionCompleted(s *session.Session, total int64) {
	g.emit(s, "completed", SessionEvent{
		SessionID:    s.ID,
		Status:       string(session.StatusCompleted),
		AmountBilled: total,
		Currency:     s.Currency,
	})
}

// SessionCancelled announces cancellation.
func (g *SessionGateway) SessionCancelled(s *session.Session) {
	g.emit(s, "cancelled", SessionEvent{
		SessionID: s.ID,
		Status:    string(session.StatusCancelled),
	})
}

// SessionPaymentFailed announces termination due to a failed charge.
func (g *SessionGateway) SessionPaymentFailed(s *session.Session, reason string) {
	g.emit(s, "payment_failed", SessionEvent{
		SessionID: s.ID,
		Status:    string(session.StatusFailed),
		Reason:    reason,
	})
}

func (g *SessionGateway) emit(s *session.Session, event string, payload SessionEvent) {
	channel := session.ChannelName(s.ID)
	n := g.registry.Broadcast(channel, ServerMessage{
		Type:    TypeSessionUpdate,
		Channel: channel,
		Event:   event,
		Data:    payload,
	}, "")
	slog.Debug("session event emitted",
		slog.String("session_id", s.ID),
		slog.String("event", event),
		slog.Int("recipients", n))
}

// authorize checks that the channel names a session and the user is one of
// its participants.
func (g *SessionGateway) authorize(ctx context.Context, userID, channel string) error {
	sessionID := session.SessionIDFromChannel(channel)
	if sessionID == "" {
		return ErrUnauthorizedChannel
	}

	s, err := g.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("look up session for channel %q: %w", channel, err)
	}
	if !s.Participant(userID) {
		return ErrUnauthorizedChannel
	}
	return nil
}
