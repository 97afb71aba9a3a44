package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/soulseer/backend/internal/billing"
	"github.com/soulseer/backend/internal/config"
	"github.com/soulseer/backend/internal/database"
	"github.com/soulseer/backend/internal/notify"
	"github.com/soulseer/backend/internal/payment"
	"github.com/soulseer/backend/internal/realtime"
	"github.com/soulseer/backend/internal/services"
	"github.com/soulseer/backend/internal/store"
)

func newTestRouter(t *testing.T) (http.Handler, *services.AuthService) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.RunMigrations(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{
		JWTSecret:          "test-secret",
		TokenDuration:      time.Hour,
		MeetingTokenTTL:    time.Hour,
		RateLimitPerMinute: 60,
		DefaultCurrency:    "usd",
		MeetingBaseURL:     "https://meet.example.com",
	}

	st := store.New(db)
	gw := payment.NewSandbox()
	registry := realtime.NewRegistry()
	gateway := realtime.NewSessionGateway(registry, st, st)
	engine := billing.NewEngine(st, gw, gateway, notify.Discard{}, time.Hour, 15)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
	})

	auth := services.NewAuthService(cfg.JWTSecret, cfg.TokenDuration, cfg.MeetingTokenTTL)
	meetings := services.NewMeetingService(cfg.MeetingBaseURL, cfg.JWTSecret)
	svc := services.NewSessionService(st, gw, engine, gateway, registry, notify.Discard{}, auth, meetings, cfg.DefaultCurrency)

	return New(cfg, st, auth, svc, gateway), auth
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("Body = %s", got)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	r, auth := newTestRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/sessions"},
		{http.MethodPost, "/api/sessions"},
		{http.MethodGet, "/api/readers"},
		{http.MethodGet, "/api/users/someone/stats"},
	}

	for _, p := range paths {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status = %d, want %d", p.method, p.path, rec.Code, http.StatusUnauthorized)
		}

		rec = httptest.NewRecorder()
		req := httptest.NewRequest(p.method, p.path, nil)
		req.Header.Set("Authorization", "Bearer not-a-token")
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s with bad token: status = %d, want %d", p.method, p.path, rec.Code, http.StatusUnauthorized)
		}
	}

	// A valid token gets through the middleware chain.
	token, err := auth.GenerateToken("user-1", store.RoleClient)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authed list status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSentryTunnelDisabledWithoutDSN(t *testing.T) {
	r, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sentry-tunnel", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
