// AIComply - EU AI Act Quick Comply Wizard Server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/veridia/aicomply/internal/api"
	"github.com/veridia/aicomply/internal/audit"
	"github.com/veridia/aicomply/internal/config"
	"github.com/veridia/aicomply/internal/identity"
	"github.com/veridia/aicomply/internal/middleware"
	"github.com/veridia/aicomply/internal/reasoner"
	"github.com/veridia/aicomply/internal/store"
	"github.com/veridia/aicomply/internal/wizard"
)

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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

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

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	auditLog, err := audit.NewLogger(audit.Config{
		Enabled:       cfg.AuditLog.Enabled,
		Dir:           cfg.AuditLog.Dir,
		GlobalEnabled: cfg.AuditLog.GlobalEnabled,
		GlobalPath:    cfg.AuditLog.GlobalPath,
		QueueSize:     cfg.AuditLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			slog.Error("Failed to close audit logger", "error", closeErr)
		}
	}()

	// Wizard transport. Without a reasoning service address the server
	// still starts; wizard routes answer 503 until one is configured.
	var factory wizard.TransportFactory
	if cfg.ReasonerAddr != "" {
		addr := cfg.ReasonerAddr
		factory = func(ctx context.Context, log *reasoner.MessageLog, providers reasoner.Providers) (wizard.Transport, error) {
			return reasoner.Dial(ctx, addr, log, providers, logger)
		}
		slog.Info("Reasoning service configured", "address", addr)
	} else {
		factory = func(ctx context.Context, log *reasoner.MessageLog, providers reasoner.Providers) (wizard.Transport, error) {
			return nil, fmt.Errorf("reasoning service not configured (REASONER_ADDR unset)")
		}
		slog.Warn("REASONER_ADDR not set, wizard conversations disabled")
	}

	hub := api.NewHub(cfg)
	registry := wizard.NewRegistry(repo, factory, func(orch *wizard.Orchestrator) {
		orch.Subscribe(hub.Publish)
	}, logger)
	defer registry.Close()

	// Initialize handlers.
	healthHandler := api.NewHealthHandler(repo)
	wizardHandler := api.NewWizardHandler(registry, hub, auditLog, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	wizardHandler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	// Keepalive runs every 10s to maintain connection
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wizard.StartAbandonSweeper(ctx, repo, cfg.SessionTTL)

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

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
