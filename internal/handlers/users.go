package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/soulseer/backend/internal/middleware"
	"github.com/soulseer/backend/internal/models"
	"github.com/soulseer/backend/internal/store"
)

// UsersHandler serves the reader directory and profile updates.
type UsersHandler struct {
	store *store.Store
}

func NewUsersHandler(st *store.Store) *UsersHandler {
	return &UsersHandler{store: st}
}

// ListReaders handles GET /api/readers.
func (h *UsersHandler) ListReaders(w http.ResponseWriter, r *http.Request) {
	readers, err := h.store.ListReaders(r.Context())
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to list readers", err)
		return
	}

	out := make([]models.ReaderResponse, 0, len(readers))
	for _, u := range readers {
		avg, count, err := h.store.ReaderRating(r.Context(), u.ID)
		if err != nil {
			writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to list readers", err)
			return
		}
		out = append(out, models.ReaderResponse{
			ID:            u.ID,
			DisplayName:   u.DisplayName,
			Bio:           u.Bio,
			RatePerMinute: u.RatePerMinute,
			AverageRating: avg,
			ReviewCount:   count,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// UpdateProfile handles PUT /api/users/me. Readers may change their rate;
// for clients the rate stays zero.
func (h *UsersHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaims(r.Context())

	var req models.UpdateProfileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DisplayName == "" || req.RatePerMinute < 0 {
		writeError(w, http.StatusBadRequest, "invalid profile")
		return
	}

	user, err := h.store.GetUser(r.Context(), claims.UserID())
	if err != nil {
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to load profile", err)
		return
	}
	rate := user.RatePerMinute
	if user.Role == store.RoleReader {
		rate = req.RatePerMinute
	}

	if err := h.store.UpdateUserProfile(r.Context(), user.ID, req.DisplayName, req.Bio, rate); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to update profile", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
