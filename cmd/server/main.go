package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soulseer/backend/internal/billing"
	"github.com/soulseer/backend/internal/config"
	"github.com/soulseer/backend/internal/crypto"
	"github.com/soulseer/backend/internal/database"
	"github.com/soulseer/backend/internal/logging"
	"github.com/soulseer/backend/internal/notify"
	"github.com/soulseer/backend/internal/payment"
	"github.com/soulseer/backend/internal/realtime"
	"github.com/soulseer/backend/internal/router"
	"github.com/soulseer/backend/internal/sentry"
	"github.com/soulseer/backend/internal/services"
	"github.com/soulseer/backend/internal/store"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Initialize structured logging (reads LOGGING_LEVEL env var)
	logging.Initialize()

	// Load configuration
	cfg := config.Load()

	// Error tracking
	if cfg.SentryDSN != "" {
		err := sentrygo.Init(sentrygo.ClientOptions{
			Dsn:                   cfg.SentryDSN,
			Environment:           cfg.SentryEnvironment,
			BeforeSend:            sentry.ScrubEvent,
			BeforeSendTransaction: sentry.ScrubTransaction,
		})
		if err != nil {
			slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer sentrygo.Flush(2 * time.Second)
	}

	// Initialize database
	sqlDB, err := database.New(cfg.DatabasePath)
	if err != nil {
		slog.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(sqlDB); err != nil {
		slog.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st := store.New(sqlDB)

	if cfg.SeedDemoData {
		if err := seedDemoData(context.Background(), st); err != nil {
			slog.Error("failed to seed demo data", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Realtime layer: connection registry plus the gateway that fans
	// session events out to subscribed participants.
	registry := realtime.NewRegistry()
	gateway := realtime.NewSessionGateway(registry, st, st)
	notifier := notify.NewDispatcher(registry)

	// Payment processor. The sandbox approves everything; a real
	// processor plugs in behind the same interface.
	processor := payment.NewSandbox()

	// Billing engine
	engine := billing.NewEngine(st, processor, gateway, notifier, cfg.BillingInterval, cfg.PlatformFeePercent)

	// Services
	authService := services.NewAuthService(cfg.JWTSecret, cfg.TokenDuration, cfg.MeetingTokenTTL)
	meetingService := services.NewMeetingService(cfg.MeetingBaseURL, cfg.JWTSecret)
	sessionService := services.NewSessionService(st, processor, engine, gateway, registry, notifier, authService, meetingService, cfg.DefaultCurrency)

	r := router.New(cfg, st, authService, sessionService, gateway)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Sessions that were live at the last shutdown pick their
		// billing loops back up.
		if err := engine.Resume(ctx); err != nil {
			return err
		}
		slog.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", slog.String("error", err.Error()))
		}
		// Billing loops drain after the server so in-flight requests
		// cannot race a stopping engine.
		if err := engine.Shutdown(shutdownCtx); err != nil {
			slog.Error("billing engine shutdown failed", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// seedDemoData creates a demo client and reader for local development.
// Existing rows are left alone, so the seed is safe to run repeatedly.
func seedDemoData(ctx context.Context, st *store.Store) error {
	demo := []struct {
		email    string
		password string
		name     string
		role     store.Role
		rate     int64
		bio      string
	}{
		{"client@demo.soulseer.com", "demo-client", "Demo Client", store.RoleClient, 0, ""},
		{"reader@demo.soulseer.com", "demo-reader", "Mystic Demo", store.RoleReader, 200, "Tarot and clairvoyant readings."},
	}

	for _, d := range demo {
		if _, err := st.GetUserByEmail(ctx, d.email); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		hash, err := crypto.HashPassword(d.password)
		if err != nil {
			return err
		}
		u := &store.User{
			ID:            uuid.New().String(),
			Email:         d.email,
			PasswordHash:  hash,
			DisplayName:   d.name,
			Role:          d.role,
			RatePerMinute: d.rate,
			Bio:           d.bio,
		}
		if err := st.CreateUser(ctx, u); err != nil {
			return err
		}
		slog.Info("seeded demo user", slog.String("email", d.email), slog.String("role", string(d.role)))
	}
	return nil
}
