package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soulseer/backend/internal/logging"
	"github.com/soulseer/backend/internal/middleware"
	"github.com/soulseer/backend/internal/models"
	"github.com/soulseer/backend/internal/services"
	"github.com/soulseer/backend/internal/session"
	"github.com/soulseer/backend/internal/store"
)

// SessionHandler exposes the session lifecycle over HTTP.
type SessionHandler struct {
	svc *services.SessionService
}

func NewSessionHandler(svc *services.SessionService) *SessionHandler {
	return &SessionHandler{svc: svc}
}

// Book handles POST /api/sessions.
func (h *SessionHandler) Book(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	var req models.BookSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var start time.Time
	if req.Start != nil {
		start = *req.Start
	}
	sess, err := h.svc.Book(r.Context(), claims.UserID(), services.BookingRequest{
		ReaderID:        req.ReaderID,
		Kind:            session.Kind(req.Kind),
		Start:           start,
		DurationMinutes: req.DurationMinutes,
		Notes:           req.Notes,
	})
	if err != nil {
		h.writeServiceError(w, r, err, "failed to book session")
		return
	}

	writeJSON(w, http.StatusCreated, models.NewSessionResponse(sess))
}

// List handles GET /api/sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	sessions, err := h.svc.List(r.Context(), claims.UserID())
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to list sessions", err)
		return
	}

	out := make([]models.SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, models.NewSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /api/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	sess, err := h.svc.Get(r.Context(), claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSessionResponse(sess))
}

// Confirm handles POST /api/sessions/{id}/confirm.
func (h *SessionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	sess, err := h.svc.Confirm(r.Context(), claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to confirm session")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSessionResponse(sess))
}

// Decline handles POST /api/sessions/{id}/decline.
func (h *SessionHandler) Decline(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	if err := h.svc.Decline(r.Context(), claims.UserID(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err, "failed to decline session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Join handles POST /api/sessions/{id}/join.
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	info, err := h.svc.Join(r.Context(), claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to join session")
		return
	}

	writeJSON(w, http.StatusOK, models.JoinSessionResponse{
		SessionID:        info.SessionID,
		MeetingURL:       info.MeetingURL,
		MeetingToken:     info.MeetingToken,
		JoinSecret:       info.JoinSecret,
		Channel:          info.Channel,
		OtherParticipant: info.OtherParticipant,
		OtherOnline:      info.OtherOnline,
	})
}

// End handles POST /api/sessions/{id}/end.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	sess, err := h.svc.End(r.Context(), claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, models.NewSessionResponse(sess))
}

// Cancel handles POST /api/sessions/{id}/cancel.
func (h *SessionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	if err := h.svc.Cancel(r.Context(), claims.UserID(), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err, "failed to cancel session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Ledger handles GET /api/sessions/{id}/ledger.
func (h *SessionHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	entries, err := h.svc.Ledger(r.Context(), claims.UserID(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load ledger")
		return
	}

	out := make([]models.LedgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.NewLedgerEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// Messages handles GET /api/sessions/{id}/messages.
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	msgs, err := h.svc.Messages(r.Context(), claims.UserID(), chi.URLParam(r, "id"), 0)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load messages")
		return
	}

	out := make([]models.ChatMessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.NewChatMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

// SubmitReview handles POST /api/sessions/{id}/review.
func (h *SessionHandler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	var req models.SubmitReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	review, err := h.svc.SubmitReview(r.Context(), claims.UserID(), chi.URLParam(r, "id"), req.Rating, req.Comment)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to submit review")
		return
	}
	writeJSON(w, http.StatusCreated, models.NewReviewResponse(review))
}

// VerifyMeeting handles POST /api/meetings/verify. The meeting token is the
// credential, so the route sits outside the auth middleware.
func (h *SessionHandler) VerifyMeeting(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyMeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	access, err := h.svc.VerifyMeetingAccess(r.Context(), req.MeetingToken, req.Slug, req.JoinSecret)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrForbidden), errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusForbidden, "meeting access denied")
		case errors.Is(err, services.ErrNotJoinable):
			writeError(w, http.StatusConflict, "session is not live")
		default:
			writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to verify meeting access", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, models.MeetingAccessResponse{
		SessionID: access.SessionID,
		UserID:    access.UserID,
		Channel:   access.Channel,
	})
}

// UserStats handles GET /api/users/{id}/stats.
func (h *SessionHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.UserStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to load stats")
		return
	}

	writeJSON(w, http.StatusOK, models.UserStatsResponse{
		UserID:        stats.UserID,
		Role:          string(stats.Role),
		TotalSessions: stats.TotalSessions,
		TotalMinutes:  stats.TotalMinutes,
		TotalAmount:   stats.TotalAmount,
		AverageRating: stats.AverageRating,
		ReviewCount:   stats.ReviewCount,
	})
}

// writeServiceError maps service errors onto HTTP statuses.
func (h *SessionHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, services.ErrForbidden):
		logging.LogSecurityEvent(r.Context(), logging.SecurityEventForbiddenSession, "not a session participant")
		writeError(w, http.StatusForbidden, "not a participant of this session")
	case errors.Is(err, services.ErrInvalidBooking):
		writeError(w, http.StatusBadRequest, "invalid booking request")
	case errors.Is(err, services.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "insufficient balance for this session")
	case errors.Is(err, services.ErrReaderUnavailable):
		writeError(w, http.StatusConflict, "reader is not available for the requested time")
	case errors.Is(err, services.ErrNotJoinable):
		writeError(w, http.StatusConflict, "session cannot be joined")
	case errors.Is(err, services.ErrNotReviewable):
		writeError(w, http.StatusBadRequest, "session cannot be reviewed")
	case errors.Is(err, store.ErrReviewExists):
		writeError(w, http.StatusConflict, "session already reviewed")
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "session state does not allow this action")
	default:
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, fallback, err)
	}
}
