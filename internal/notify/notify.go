// Package notify is the fire-and-forget notification boundary. Delivery
// failures are logged and never propagate: a broken notifier must not block
// billing or a status transition.
package notify

import (
	"context"
	"log/slog"
)

// Event kinds emitted by the session lifecycle and the billing engine.
const (
	EventSessionScheduled = "session_scheduled"
	EventSessionConfirmed = "session_confirmed"
	EventSessionDeclined  = "session_declined"
	EventSessionStarted   = "session_started"
	EventSessionCompleted = "session_completed"
	EventSessionCancelled = "session_cancelled"
	EventPaymentFailed    = "payment_failed"
	EventReviewRequested  = "review_requested"
)

// Notifier delivers an asynchronous message to a user. Implementations must
// not return delivery problems to callers; log and move on.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload map[string]any)
}

// Sender is the slice of the connection registry the dispatcher pushes
// through when the user happens to be online.
type Sender interface {
	SendNotification(userID, event string, payload map[string]any) bool
}

// Dispatcher pushes notifications over the realtime layer when the user is
// connected. Email and other channels sit behind the same interface out of
// scope here; offline users simply miss the push.
type Dispatcher struct {
	sender Sender
}

// NewDispatcher creates a Dispatcher over the given realtime sender.
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{sender: sender}
}

// Notify implements Notifier.
func (d *Dispatcher) Notify(_ context.Context, userID, event string, payload map[string]any) {
	delivered := false
	if d.sender != nil {
		delivered = d.sender.SendNotification(userID, event, payload)
	}
	slog.Info("notification dispatched",
		slog.String("user_id", userID),
		slog.String("event", event),
		slog.Bool("delivered_live", delivered))
}

// Discard is a Notifier that drops everything. Useful in tests.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, string, string, map[string]any) {}
