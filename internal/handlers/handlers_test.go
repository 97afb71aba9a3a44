package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/soulseer/backend/internal/billing"
	"github.com/soulseer/backend/internal/database"
	"github.com/soulseer/backend/internal/middleware"
	"github.com/soulseer/backend/internal/models"
	"github.com/soulseer/backend/internal/notify"
	"github.com/soulseer/backend/internal/payment"
	"github.com/soulseer/backend/internal/realtime"
	"github.com/soulseer/backend/internal/services"
	"github.com/soulseer/backend/internal/session"
	"github.com/soulseer/backend/internal/store"
)

type handlerFixture struct {
	handler *SessionHandler
	svc     *services.SessionService
	store   *store.Store
	gateway *payment.Sandbox
	client  *store.User
	reader  *store.User
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	st := store.New(db)
	gw := payment.NewSandbox()
	registry := realtime.NewRegistry()
	events := realtime.NewSessionGateway(registry, st, st)
	engine := billing.NewEngine(st, gw, events, notify.Discard{}, time.Hour, 15)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	auth := services.NewAuthService("test-secret", time.Hour, 2*time.Hour)
	meetings := services.NewMeetingService("https://meet.soulseer.com", "meet-secret")
	svc := services.NewSessionService(st, gw, engine, events, registry, notify.NewDispatcher(registry), auth, meetings, "usd")

	f := &handlerFixture{handler: NewSessionHandler(svc), svc: svc, store: st, gateway: gw}
	f.client = f.seedUser(t, store.RoleClient, 0)
	f.reader = f.seedUser(t, store.RoleReader, 200)
	return f
}

func (f *handlerFixture) seedUser(t *testing.T, role store.Role, rate int64) *store.User {
	t.Helper()
	u := &store.User{
		ID:            uuid.New().String(),
		Email:         uuid.New().String() + "@example.com",
		PasswordHash:  "hash",
		DisplayName:   "Test " + string(role),
		Role:          role,
		RatePerMinute: rate,
	}
	if err := f.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// authedRequest builds a request carrying JWT claims and chi URL params, as
// the middleware chain would after authentication.
func authedRequest(method, path string, body []byte, user *store.User, urlParams map[string]string) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Content-Type", "application/json")

	claims := &services.Claims{
		Role:             user.Role,
		RegisteredClaims: jwt.RegisteredClaims{Subject: user.ID},
	}
	ctx := context.WithValue(req.Context(), middleware.ClaimsKey, claims)

	rctx := chi.NewRouteContext()
	for k, v := range urlParams {
		rctx.URLParams.Add(k, v)
	}
	ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)

	return req.WithContext(ctx)
}

func (f *handlerFixture) bookViaHTTP(t *testing.T, kind string, start time.Time) models.SessionResponse {
	t.Helper()
	reqBody := models.BookSessionRequest{
		ReaderID:        f.reader.ID,
		Kind:            kind,
		DurationMinutes: 30,
	}
	if kind != string(session.KindMessage) {
		reqBody.Start = &start
	}
	body, _ := json.Marshal(reqBody)
	rec := httptest.NewRecorder()
	f.handler.Book(rec, authedRequest(http.MethodPost, "/api/sessions", body, f.client, nil))

	if rec.Code != http.StatusCreated {
		t.Fatalf("Book status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp models.SessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode booking response: %v", err)
	}
	return resp
}

func TestBookSession(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.bookViaHTTP(t, string(session.KindVideo), time.Now().Add(5*time.Minute))

	if resp.Status != string(session.StatusPending) {
		t.Errorf("Status = %s, want %s", resp.Status, session.StatusPending)
	}
	if resp.ClientID != f.client.ID || resp.ReaderID != f.reader.ID {
		t.Errorf("participants = %s/%s, want %s/%s", resp.ClientID, resp.ReaderID, f.client.ID, f.reader.ID)
	}
	if resp.RatePerMinute != 200 {
		t.Errorf("RatePerMinute = %d, want 200", resp.RatePerMinute)
	}
}

func TestBookSession_InvalidBody(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.handler.Book(rec, authedRequest(http.MethodPost, "/api/sessions", []byte("not json"), f.client, nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestBookSession_InsufficientBalance(t *testing.T) {
	f := newHandlerFixture(t)
	f.gateway.SetBalance(f.client.ID, 100) // 30 min at 200/min needs 6000

	start := time.Now().Add(5 * time.Minute)
	body, _ := json.Marshal(models.BookSessionRequest{
		ReaderID:        f.reader.ID,
		Kind:            string(session.KindVideo),
		Start:           &start,
		DurationMinutes: 30,
	})
	rec := httptest.NewRecorder()
	f.handler.Book(rec, authedRequest(http.MethodPost, "/api/sessions", body, f.client, nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetSession_AccessControl(t *testing.T) {
	f := newHandlerFixture(t)
	booked := f.bookViaHTTP(t, string(session.KindVideo), time.Now().Add(5*time.Minute))
	stranger := f.seedUser(t, store.RoleClient, 0)

	tests := []struct {
		name       string
		user       *store.User
		sessionID  string
		wantStatus int
	}{
		{"participant can read", f.client, booked.ID, http.StatusOK},
		{"reader can read", f.reader, booked.ID, http.StatusOK},
		{"stranger is rejected", stranger, booked.ID, http.StatusForbidden},
		{"missing session", f.client, uuid.New().String(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			f.handler.Get(rec, authedRequest(http.MethodGet, "/api/sessions/"+tt.sessionID, nil, tt.user, map[string]string{"id": tt.sessionID}))
			if rec.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newHandlerFixture(t)
	booked := f.bookViaHTTP(t, string(session.KindVideo), time.Now().Add(5*time.Minute))
	params := map[string]string{"id": booked.ID}

	// Reader confirms; the start is inside the join window so the session
	// goes straight to confirmed.
	rec := httptest.NewRecorder()
	f.handler.Confirm(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/confirm", nil, f.reader, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("Confirm status = %d, body %s", rec.Code, rec.Body.String())
	}
	var confirmed models.SessionResponse
	json.NewDecoder(rec.Body).Decode(&confirmed)
	if confirmed.Status != string(session.StatusConfirmed) {
		t.Fatalf("Status after confirm = %s, want %s", confirmed.Status, session.StatusConfirmed)
	}

	// Client joins and gets meeting credentials.
	rec = httptest.NewRecorder()
	f.handler.Join(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/join", nil, f.client, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("Join status = %d, body %s", rec.Code, rec.Body.String())
	}
	var join models.JoinSessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&join); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	if join.MeetingURL == "" || join.MeetingToken == "" || join.JoinSecret == "" {
		t.Errorf("join response missing credentials: %+v", join)
	}
	if join.Channel != "reading:"+booked.ID {
		t.Errorf("Channel = %s, want reading:%s", join.Channel, booked.ID)
	}
	if join.OtherParticipant != f.reader.ID {
		t.Errorf("OtherParticipant = %s, want %s", join.OtherParticipant, f.reader.ID)
	}

	// Reader ends the session.
	rec = httptest.NewRecorder()
	f.handler.End(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/end", nil, f.reader, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("End status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ended models.SessionResponse
	json.NewDecoder(rec.Body).Decode(&ended)
	if ended.Status != string(session.StatusCompleted) {
		t.Errorf("Status after end = %s, want %s", ended.Status, session.StatusCompleted)
	}
	if ended.ActualEnd == nil {
		t.Error("ActualEnd not set after end")
	}

	// Ending again conflicts with the terminal state.
	rec = httptest.NewRecorder()
	f.handler.End(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/end", nil, f.reader, params))
	if rec.Code != http.StatusConflict {
		t.Errorf("second End status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestDeclineSession(t *testing.T) {
	f := newHandlerFixture(t)
	booked := f.bookViaHTTP(t, string(session.KindMessage), time.Time{})
	params := map[string]string{"id": booked.ID}

	// Client may not decline.
	rec := httptest.NewRecorder()
	f.handler.Decline(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/decline", nil, f.client, params))
	if rec.Code != http.StatusForbidden {
		t.Errorf("client Decline status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	rec = httptest.NewRecorder()
	f.handler.Decline(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/decline", nil, f.reader, params))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Decline status = %d, body %s", rec.Code, rec.Body.String())
	}

	// The prepaid amount comes back as a refund ledger entry.
	rec = httptest.NewRecorder()
	f.handler.Ledger(rec, authedRequest(http.MethodGet, "/api/sessions/"+booked.ID+"/ledger", nil, f.client, params))
	if rec.Code != http.StatusOK {
		t.Fatalf("Ledger status = %d", rec.Code)
	}
	var entries []models.LedgerEntryResponse
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decode ledger: %v", err)
	}
	var sawRefund bool
	for _, e := range entries {
		if e.Kind == string(session.EntryRefund) {
			sawRefund = true
		}
	}
	if !sawRefund {
		t.Errorf("no refund entry in ledger: %+v", entries)
	}
}

func TestSubmitReviewAndStats(t *testing.T) {
	f := newHandlerFixture(t)
	booked := f.bookViaHTTP(t, string(session.KindVideo), time.Now().Add(5*time.Minute))
	params := map[string]string{"id": booked.ID}
	ctx := context.Background()

	if _, err := f.svc.Confirm(ctx, f.reader.ID, booked.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := f.svc.Join(ctx, f.client.ID, booked.ID); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if _, err := f.svc.End(ctx, f.client.ID, booked.ID); err != nil {
		t.Fatalf("End: %v", err)
	}

	body, _ := json.Marshal(models.SubmitReviewRequest{Rating: 5, Comment: "wonderful reading"})
	rec := httptest.NewRecorder()
	f.handler.SubmitReview(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/review", body, f.client, params))
	if rec.Code != http.StatusCreated {
		t.Fatalf("SubmitReview status = %d, body %s", rec.Code, rec.Body.String())
	}

	// A second review for the same session conflicts.
	rec = httptest.NewRecorder()
	f.handler.SubmitReview(rec, authedRequest(http.MethodPost, "/api/sessions/"+booked.ID+"/review", body, f.client, params))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate review status = %d, want %d", rec.Code, http.StatusConflict)
	}

	rec = httptest.NewRecorder()
	f.handler.UserStats(rec, authedRequest(http.MethodGet, "/api/users/"+f.reader.ID+"/stats", nil, f.client, map[string]string{"id": f.reader.ID}))
	if rec.Code != http.StatusOK {
		t.Fatalf("UserStats status = %d", rec.Code)
	}
	var stats models.UserStatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", stats.TotalSessions)
	}
	if stats.AverageRating != 5 || stats.ReviewCount != 1 {
		t.Errorf("rating = %v/%d, want 5/1", stats.AverageRating, stats.ReviewCount)
	}
}

func TestListReaders(t *testing.T) {
	f := newHandlerFixture(t)
	users := NewUsersHandler(f.store)

	rec := httptest.NewRecorder()
	users.ListReaders(rec, authedRequest(http.MethodGet, "/api/readers", nil, f.client, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ListReaders status = %d", rec.Code)
	}

	var readers []models.ReaderResponse
	if err := json.NewDecoder(rec.Body).Decode(&readers); err != nil {
		t.Fatalf("decode readers: %v", err)
	}
	if len(readers) != 1 {
		t.Fatalf("got %d readers, want 1", len(readers))
	}
	if readers[0].ID != f.reader.ID || readers[0].RatePerMinute != 200 {
		t.Errorf("reader = %+v", readers[0])
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newHandlerFixture(t)
	users := NewUsersHandler(f.store)
	ctx := context.Background()

	body, _ := json.Marshal(models.UpdateProfileRequest{
		DisplayName:   "Madame Zelda",
		Bio:           "Palmistry and tea leaves.",
		RatePerMinute: 350,
	})
	rec := httptest.NewRecorder()
	users.UpdateProfile(rec, authedRequest(http.MethodPut, "/api/users/me", body, f.reader, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("UpdateProfile status = %d, body %s", rec.Code, rec.Body.String())
	}

	updated, err := f.store.GetUser(ctx, f.reader.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if updated.DisplayName != "Madame Zelda" || updated.RatePerMinute != 350 {
		t.Errorf("updated = %+v", updated)
	}

	// A client's rate stays zero no matter what the request says.
	rec = httptest.NewRecorder()
	users.UpdateProfile(rec, authedRequest(http.MethodPut, "/api/users/me", body, f.client, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("client UpdateProfile status = %d", rec.Code)
	}
	client, err := f.store.GetUser(ctx, f.client.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if client.RatePerMinute != 0 {
		t.Errorf("client RatePerMinute = %d, want 0", client.RatePerMinute)
	}
}

func TestVerifyMeetingEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	booked := f.bookViaHTTP(t, string(session.KindVideo), time.Now().Add(5*time.Minute))
	ctx := context.Background()

	if _, err := f.svc.Confirm(ctx, f.reader.ID, booked.ID); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	info, err := f.svc.Join(ctx, f.client.ID, booked.ID)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	live, err := f.store.GetSession(ctx, booked.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}

	body, _ := json.Marshal(models.VerifyMeetingRequest{
		MeetingToken: info.MeetingToken,
		Slug:         live.MeetingRef,
		JoinSecret:   info.JoinSecret,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/meetings/verify", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.VerifyMeeting(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("VerifyMeeting status = %d, body %s", rec.Code, rec.Body.String())
	}
	var access models.MeetingAccessResponse
	if err := json.NewDecoder(rec.Body).Decode(&access); err != nil {
		t.Fatalf("decode access: %v", err)
	}
	if access.SessionID != booked.ID || access.UserID != f.client.ID {
		t.Errorf("access = %+v", access)
	}

	// A forged secret is rejected.
	body, _ = json.Marshal(models.VerifyMeetingRequest{
		MeetingToken: info.MeetingToken,
		Slug:         live.MeetingRef,
		JoinSecret:   "deadbeef",
	})
	rec = httptest.NewRecorder()
	f.handler.VerifyMeeting(rec, httptest.NewRequest(http.MethodPost, "/api/meetings/verify", bytes.NewReader(body)))
	if rec.Code != http.StatusForbidden {
		t.Errorf("forged secret status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}
