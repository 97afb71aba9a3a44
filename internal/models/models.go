// Package models defines the JSON request and response shapes of the HTTP API.
package models

import (
	"time"

	"github.com/soulseer/backend/internal/session"
)

// Session booking and lifecycle
type BookSessionRequest struct {
	ReaderID        string     `json:"readerId"`
	Kind            string     `json:"kind"`
	Start           *time.Time `json:"start,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
	Notes           string     `json:"notes,omitempty"`
}

type SessionResponse struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"clientId"`
	ReaderID       string     `json:"readerId"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	ScheduledStart *time.Time `json:"scheduledStart,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduledEnd,omitempty"`
	ActualStart    *time.Time `json:"actualStart,omitempty"`
	ActualEnd      *time.Time `json:"actualEnd,omitempty"`
	RatePerMinute  int64      `json:"ratePerMinute"`
	AmountBilled   int64      `json:"amountBilled"`
	Currency       string     `json:"currency"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// NewSessionResponse maps a domain session onto the wire shape. The meeting
// reference is withheld; join credentials come only from the join endpoint.
func NewSessionResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		ClientID:       s.ClientID,
		ReaderID:       s.ReaderID,
		Kind:           string(s.Kind),
		Status:         string(s.Status),
		ScheduledStart: s.ScheduledStart,
		ScheduledEnd:   s.ScheduledEnd,
		ActualStart:    s.ActualStart,
		ActualEnd:      s.ActualEnd,
		RatePerMinute:  s.RatePerMinute,
		AmountBilled:   s.AmountBilled,
		Currency:       s.Currency,
		Notes:          s.Notes,
		CreatedAt:      s.CreatedAt,
	}
}

type JoinSessionResponse struct {
	SessionID        string `json:"sessionId"`
	MeetingURL       string `json:"meetingUrl"`
	MeetingToken     string `json:"meetingToken"`
	JoinSecret       string `json:"joinSecret"`
	Channel          string `json:"channel"`
	OtherParticipant string `json:"otherParticipant"`
	OtherOnline      bool   `json:"otherOnline"`
}

// Reader directory
type ReaderResponse struct {
	ID            string  `json:"id"`
	DisplayName   string  `json:"displayName"`
	Bio           string  `json:"bio,omitempty"`
	RatePerMinute int64   `json:"ratePerMinute"`
	AverageRating float64 `json:"averageRating"`
	ReviewCount   int64   `json:"reviewCount"`
}

type UpdateProfileRequest struct {
	DisplayName   string `json:"displayName"`
	Bio           string `json:"bio,omitempty"`
	RatePerMinute int64  `json:"ratePerMinute"`
}

// Meeting attendee verification, called by the media layer.
type VerifyMeetingRequest struct {
	MeetingToken string `json:"meetingToken"`
	Slug         string `json:"slug"`
	JoinSecret   string `json:"joinSecret"`
}

type MeetingAccessResponse struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Channel   string `json:"channel"`
}

// Billing ledger
type LedgerEntryResponse struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Amount         int64     `json:"amount"`
	ElapsedSeconds int64     `json:"elapsedSeconds"`
	Outcome        string    `json:"outcome"`
	FailureReason  string    `json:"failureReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func NewLedgerEntryResponse(e *session.LedgerEntry) LedgerEntryResponse {
	return LedgerEntryResponse{
		ID:             e.ID,
		Kind:           string(e.Kind),
		Amount:         e.Amount,
		ElapsedSeconds: e.ElapsedSeconds,
		Outcome:        string(e.Outcome),
		FailureReason:  e.FailureReason,
		CreatedAt:      e.CreatedAt,
	}
}

// Chat history
type ChatMessageResponse struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sentAt"`
}

func NewChatMessageResponse(m *session.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{ID: m.ID, SenderID: m.SenderID, Body: m.Body, SentAt: m.SentAt}
}

// Reviews
type SubmitReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

type ReviewResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	ReaderID  string    `json:"readerId"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewReviewResponse(r *session.Review) ReviewResponse {
	return ReviewResponse{
		ID:        r.ID,
		SessionID: r.SessionID,
		ReaderID:  r.ReaderID,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

// User stats
type UserStatsResponse struct {
	UserID        string  `json:"userId"`
	Role          string  `json:"role"`
	TotalSessions int64   `json:"totalSessions"`
	TotalMinutes  int64   `json:"totalMinutes"`
	TotalAmount   int64   `json:"totalAmount"`
	AverageRating float64 `json:"averageRating,omitempty"`
	ReviewCount   int64   `json:"reviewCount,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
