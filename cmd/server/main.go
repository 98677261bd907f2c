// researchd - Deep Research Session Server
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

	"github.com/halcyon-ai/researchd/internal/api"
	"github.com/halcyon-ai/researchd/internal/config"
	"github.com/halcyon-ai/researchd/internal/events"
	"github.com/halcyon-ai/researchd/internal/middleware"
	"github.com/halcyon-ai/researchd/internal/model"
	"github.com/halcyon-ai/researchd/internal/pipeline"
	"github.com/halcyon-ai/researchd/internal/session"
	"github.com/halcyon-ai/researchd/internal/store"
	"github.com/halcyon-ai/researchd/internal/stream"
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

	// Initialize services.
	registry := session.NewRegistry(cfg.SessionIdleTTL, cfg.SessionCapacity)
	coord := session.NewCoordinator(registry, cfg.CheckpointTimeout)
	hub := events.NewHub()

	caller := &model.TieredCaller{
		Anthropic: model.NewAnthropicCaller(cfg.Models.AnthropicAPIKey),
		OpenAI:    model.NewOpenAICaller(cfg.Models.OpenAIAPIKey, ""),
	}
	pipe := pipeline.NewModelPipeline(caller, cfg)

	dispatcher := stream.NewDispatcher(registry, coord, hub, repo, cfg.CheckpointTimeout)

	// Initialize handlers.
	handler := api.NewHandler(registry, coord, hub, dispatcher, repo, pipe, cfg)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	handler.RegisterRoutes(r)

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout).
	// Keepalive comments go out every 10s to hold the connection open.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session.StartEvictionWorker(ctx, registry, cfg.EvictionInterval)
	slog.Info("Eviction worker started", "idle_ttl", cfg.SessionIdleTTL, "capacity", cfg.SessionCapacity)

	go maintenanceLoop(ctx, registry, hub, repo, cfg)

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

// maintenanceLoop prunes event logs for evicted sessions and expires
// stale snapshots on the same cadence as the eviction worker.
func maintenanceLoop(ctx context.Context, registry *session.Registry, hub *events.Hub, repo store.SnapshotRepository, cfg *config.Config) {
	interval := cfg.EvictionInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned := hub.Prune(func(id string) bool {
				_, ok := registry.Get(id)
				return ok
			})
			if pruned > 0 {
				slog.Info("Pruned event logs", "count", pruned)
			}

			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := repo.CleanupExpired(cleanupCtx, 24*time.Hour)
			cancel()
			if err != nil {
				slog.Warn("Snapshot cleanup failed", "error", err)
			} else if deleted > 0 {
				slog.Info("Expired snapshots removed", "count", deleted)
			}
		}
	}
}
