// Stella - kiosk withdrawal assistant server
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/stella/internal/api"
	"github.com/ashureev/stella/internal/config"
	"github.com/ashureev/stella/internal/domain"
	"github.com/ashureev/stella/internal/faceid"
	"github.com/ashureev/stella/internal/guard"
	"github.com/ashureev/stella/internal/identity"
	"github.com/ashureev/stella/internal/interpret"
	"github.com/ashureev/stella/internal/middleware"
	"github.com/ashureev/stella/internal/notify"
	"github.com/ashureev/stella/internal/oracle"
	"github.com/ashureev/stella/internal/pin"
	"github.com/ashureev/stella/internal/realtime"
	"github.com/ashureev/stella/internal/rpc"
	"github.com/ashureev/stella/internal/session"
	"github.com/ashureev/stella/internal/stock"
	"github.com/ashureev/stella/internal/store"
	"github.com/ashureev/stella/internal/workflow"
)

const eventCleanupInterval = time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "unit_id", cfg.UnitID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	checks := map[string]api.Check{}
	src := newStockSource(cfg)
	stockGuard := guard.New(src, repo,
		guard.WithOutlierFactor(cfg.Stock.OutlierFactor),
		guard.WithLogger(logger))

	var oracleClient interpret.Oracle
	if cfg.UseOracle() {
		client, err := oracle.Dial(ctx, rpc.DefaultConfig(cfg.Oracle.Addr), cfg.Oracle.Timeout, logger)
		if err != nil {
			slog.Warn("Failed to connect to intent oracle, using rule-based interpreter", "error", err, "address", cfg.Oracle.Addr)
		} else {
			defer client.Close()
			oracleClient = client
			checks["intent_oracle"] = client.Health
		}
	}
	interp := interpret.New(interpret.Config{
		Mock:    cfg.Oracle.Mock,
		Timeout: cfg.Oracle.Timeout,
	}, interpret.Deps{Oracle: oracleClient, Guard: stockGuard, Logger: logger})

	var matcher faceid.Matcher = faceid.FixedMatcher{Confidence: cfg.Identity.DevConfidence}
	if cfg.Identity.MatcherAddr != "" {
		m, err := faceid.DialMatcher(ctx, rpc.DefaultConfig(cfg.Identity.MatcherAddr), cfg.Identity.MatcherTimeout, logger)
		if err != nil {
			slog.Error("Failed to connect to face matcher", "error", err, "address", cfg.Identity.MatcherAddr)
			os.Exit(1)
		}
		defer m.Close()
		matcher = m
		checks["face_matcher"] = m.Health
	} else {
		slog.Warn("FACE_MATCHER_ADDR not set, using fixed-confidence matcher", "confidence", cfg.Identity.DevConfidence)
	}
	validator := faceid.NewValidator(matcher, repo, faceid.Config{
		MaxAttempts:      cfg.Identity.MaxAttempts,
		Threshold:        cfg.Identity.Threshold,
		AllowPinFallback: cfg.Identity.AllowPinFallback,
	}, logger)

	verifier, err := pin.NewVerifier(cfg.Auth.UnitPIN, cfg.Auth.PINLength)
	if err != nil {
		slog.Error("Invalid unit PIN", "error", err)
		os.Exit(1)
	}

	var bus notify.Bus = notify.NewLogBus(logger)
	if cfg.Notify.RedisURL != "" {
		redisBus, err := notify.NewRedisBus(ctx, cfg.Notify.RedisURL, cfg.Notify.Prefix, logger)
		if err != nil {
			slog.Warn("Failed to connect to Redis, events will only be logged", "error", err)
		} else {
			defer func() {
				if closeErr := redisBus.Close(); closeErr != nil {
					slog.Error("Failed to close Redis client", "error", closeErr)
				}
			}()
			bus = redisBus
			checks["redis"] = redisBus.Ping
			slog.Info("Redis event bus connected", "prefix", cfg.Notify.Prefix)
		}
	}
	dispatcher := notify.NewDispatcher(bus, repo, cfg.Notify.QueueSize, logger)
	defer dispatcher.Close()

	hub := realtime.NewHub(cfg.FrontendURL, cfg.IsDevelopment(), logger)

	registry := session.NewRegistry(session.NewMemoryStore(), cfg.Session.TTL, session.WithLogger(logger))
	registry.OnEnd(func(s *domain.Session, reason session.EndReason) {
		hub.Close(s.Key)
		slog.Info("Session closed", "session_id", s.Key, "reason", reason)
	})

	wf := workflow.New(workflow.Config{
		UnitID:              cfg.UnitID,
		MaxPINAttempts:      cfg.Auth.MaxPINAttempts,
		Lockout:             cfg.Auth.Lockout,
		ConfirmationTimeout: cfg.Session.ConfirmationTimeout,
		MaxTextLength:       cfg.Messaging.MaxTextLength,
		AllowPinFallback:    cfg.Identity.AllowPinFallback,
	}, workflow.Deps{
		Registry:    registry,
		Interpreter: interp,
		Guard:       stockGuard,
		Stock:       src,
		PIN:         verifier,
		Bus:         dispatcher,
		Identity:    validator,
		History:     repo,
		Channel:     hub,
		Logger:      logger,
	})

	limiter := api.NewRateLimiter(cfg.Messaging.RateLimit, time.Minute)
	defer limiter.Close()

	// Initialize handlers.
	handler := api.NewHandler(wf, repo, src, limiter, logger)
	healthHandler := api.NewHealthHandler(repo, checks)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	// Session-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
		r.Get("/ws", hub.ServeHTTP)
	})

	// WebSocket connections are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	session.StartSweeper(ctx, registry, cfg.Session.SweepInterval, sweepTick(wf, repo, cfg))
	slog.Info("Session sweeper started", "session_ttl", cfg.Session.TTL, "confirmation_timeout", cfg.Session.ConfirmationTimeout)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	registry.ClearAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newStockSource picks the inventory source. MOCK_DATABASE and a missing
// inventory URL both fall back to the local stock file.
func newStockSource(cfg *config.Config) stock.Source {
	thresholds := stock.Thresholds{
		Low:      cfg.Stock.LowThreshold,
		Critical: cfg.Stock.CriticalThreshold,
	}
	if !cfg.Stock.Mock && cfg.Stock.InventoryURL != "" {
		slog.Info("Using inventory service", "url", cfg.Stock.InventoryURL)
		return stock.NewHTTPSource(cfg.Stock.InventoryURL, cfg.Stock.InventoryTimeout, thresholds)
	}
	slog.Info("Using local stock file", "path", cfg.Stock.File)
	return stock.NewFileSource(cfg.Stock.File, thresholds)
}

// sweepTick times out stale requests on every sweep and prunes old events
// once per eventCleanupInterval.
func sweepTick(wf *workflow.Workflow, repo store.Repository, cfg *config.Config) session.TickFunc {
	var lastCleanup time.Time
	return func(ctx context.Context, now time.Time) {
		if n := wf.ExpireStale(ctx); n > 0 {
			slog.Info("Withdrawal requests timed out", "count", n)
		}

		if cfg.Notify.RetentionDays <= 0 || now.Sub(lastCleanup) < eventCleanupInterval {
			return
		}
		lastCleanup = now
		cutoff := now.AddDate(0, 0, -cfg.Notify.RetentionDays)
		deleted, err := repo.CleanupEvents(ctx, cutoff)
		if err != nil {
			slog.Error("Failed to clean up events", "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("Old events removed", "count", deleted, "cutoff", cutoff)
		}
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
