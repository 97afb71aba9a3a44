// Package router wires the HTTP surface: middleware chain, session routes,
// the websocket endpoint, and the Sentry tunnel.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/soulseer/backend/internal/config"
	"github.com/soulseer/backend/internal/handlers"
	"github.com/soulseer/backend/internal/middleware"
	"github.com/soulseer/backend/internal/realtime"
	"github.com/soulseer/backend/internal/services"
	"github.com/soulseer/backend/internal/store"
)

func New(cfg *config.Config, st *store.Store, authService *services.AuthService, sessionService *services.SessionService, gateway *realtime.SessionGateway) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewRealIPMiddleware(cfg.TrustedProxies).Handler)
	r.Use(middleware.RequestContextMiddleware)
	r.Use(middleware.CORSMiddleware(cfg.CORSAllowedOrigins))

	// Handlers
	sessionHandler := handlers.NewSessionHandler(sessionService)
	usersHandler := handlers.NewUsersHandler(st)
	wsHandler := handlers.NewWSHandler(authService, gateway, cfg.CORSAllowedOrigins)
	sentryTunnelHandler := handlers.NewSentryTunnelHandler(cfg)

	// Rate limiter for booking
	bookingRateLimiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	// Routes
	r.Route("/api", func(r chi.Router) {
		// Health check
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Sentry tunnel for the browser SDK (no auth)
		r.Post("/sentry-tunnel", sentryTunnelHandler.Tunnel)

		// Meeting attendee verification; the meeting token is the credential
		r.Post("/meetings/verify", sessionHandler.VerifyMeeting)

		// Session management
		r.Route("/sessions", func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(authService))
			r.Use(middleware.UpdateRequestContextMiddleware)

			r.With(bookingRateLimiter.Middleware).Post("/", sessionHandler.Book)
			r.Get("/", sessionHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Post("/confirm", sessionHandler.Confirm)
				r.Post("/decline", sessionHandler.Decline)
				r.Post("/join", sessionHandler.Join)
				r.Post("/end", sessionHandler.End)
				r.Post("/cancel", sessionHandler.Cancel)
				r.Get("/ledger", sessionHandler.Ledger)
				r.Get("/messages", sessionHandler.Messages)
				r.Post("/review", sessionHandler.SubmitReview)
			})
		})

		// Reader directory
		r.With(middleware.AuthMiddleware(authService), middleware.UpdateRequestContextMiddleware).
			Get("/readers", usersHandler.ListReaders)

		// User profile and lifetime totals
		r.Route("/users", func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(authService))
			r.Use(middleware.UpdateRequestContextMiddleware)

			r.Put("/me", usersHandler.UpdateProfile)
			r.Get("/{id}/stats", sessionHandler.UserStats)
		})
	})

	// Realtime endpoint authenticates its own frames, so it sits outside
	// the /api auth chain.
	r.Get("/ws", wsHandler.Handle)

	return r
}
