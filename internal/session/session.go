// Package session defines the reading session domain model: the session
// record, its status state machine, the billing ledger, and the naming scheme
// that binds a session to its realtime channel.
package session

import (
	"errors"
	"strings"
	"time"
)

// Status is the lifecycle state of a reading session.
type Status string

const (
	StatusPending    Status = "pending"     // booked, awaiting reader response
	StatusScheduled  Status = "scheduled"   // accepted for a future start time
	StatusConfirmed  Status = "confirmed"   // both sides ready, may start
	StatusInProgress Status = "in_progress" // live, billing ticks running
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed" // terminated by a payment failure
	StatusDeclined   Status = "declined"
)

// Kind is the delivery medium of a reading.
type Kind string

const (
	KindChat    Kind = "chat"
	KindVoice   Kind = "voice"
	KindVideo   Kind = "video"
	KindMessage Kind = "message" // asynchronous, paid upfront
)

// ErrInvalidTransition is returned when a status change is not permitted by
// the transition table. The caller's operation must be rejected with no side
// effects applied.
var ErrInvalidTransition = errors.New("invalid session status transition")

// transitions is the complete set of legal status edges. Statuses absent from
// the map are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusScheduled, StatusConfirmed, StatusCancelled, StatusDeclined},
	StatusScheduled:  {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition if the edge is not in the
// transition table.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return ErrInvalidTransition
	}
	return nil
}

// IsTerminal reports whether a status has no outbound transitions. Terminal
// sessions must never receive another billing tick.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether the value is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusConfirmed, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusFailed, StatusDeclined:
		return true
	}
	return false
}

// Valid reports whether the value is a known session kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindVoice, KindVideo, KindMessage:
		return true
	}
	return false
}

// Session is one billable reading engagement between a client (payer) and a
// reader (payee). The record store owns the canonical copy; the billing
// engine and realtime gateway only ever hold the ID.
type Session struct {
	ID       string
	ClientID string // payer
	ReaderID string // payee
	Kind     Kind
	Status   Status

	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time

	// RatePerMinute and AmountBilled are in the currency's minor unit
	// (cents). AmountBilled is monotonically non-decreasing while the
	// session is in progress.
	RatePerMinute int64
	AmountBilled  int64
	LastBillTime  *time.Time
	Currency      string

	MeetingRef string
	Notes      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Participant reports whether the given user is the session's client or reader.
func (s *Session) Participant(userID string) bool {
	return userID == s.ClientID || userID == s.ReaderID
}

// OtherParticipant returns the counterpart of the given participant, or ""
// if the user is not part of the session.
func (s *Session) OtherParticipant(userID string) string {
	switch userID {
	case s.ClientID:
		return s.ReaderID
	case s.ReaderID:
		return s.ClientID
	}
	return ""
}

// TransitionFields are the record fields a status transition may stamp
// alongside the status change. Nil pointers leave the stored value alone.
type TransitionFields struct {
	ScheduledStart *time.Time
	ActualStart    *time.Time
	ActualEnd      *time.Time
	LastBillTime   *time.Time
	MeetingRef     string
}

// channelPrefix namespaces realtime channels carrying session traffic.
const channelPrefix = "reading:"

// ChannelName derives the realtime channel for a session. The name is
// deterministic so both participants converge on the same channel without a
// discovery step.
func ChannelName(sessionID string) string {
	return channelPrefix + sessionID
}

// SessionIDFromChannel extracts the session ID from a channel name, or ""
// if the channel does not carry session traffic.
func SessionIDFromChannel(channel string) string {
	if !strings.HasPrefix(channel, channelPrefix) {
		return ""
	}
	return channel[len(channelPrefix):]
}
