package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/appdraft/preview-api/internal/appctx"
	"github.com/appdraft/preview-api/internal/cloudlog"
	"github.com/appdraft/preview-api/internal/config"
	"github.com/appdraft/preview-api/internal/filecache"
	"github.com/appdraft/preview-api/internal/handler"
	"github.com/appdraft/preview-api/internal/lifecycle"
	"github.com/appdraft/preview-api/internal/preview"
	"github.com/appdraft/preview-api/internal/projectstore"
	"github.com/appdraft/preview-api/internal/sandbox"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("Configuration loaded successfully",
		"provider", cfg.Sandbox.Provider, "env", cfg.Server.Env)

	// Connect to the project store when a database is configured; without
	// one the service runs cache-only and skips the stored-files fallback.
	var projects lifecycle.ProjectFiles
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		store, err := projectstore.Connect(ctx, cfg.Database.URL)
		cancel()
		if err != nil {
			logger.Error("Failed to connect to project store", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		projects = store

		logger.Info("Project store connection established")
	}

	// Initialize sandbox provisioner
	provisioner, err := sandbox.New(cfg.Sandbox)
	if err != nil {
		logger.Error("Failed to initialize sandbox provisioner", "error", err)
		os.Exit(1)
	}

	// In-memory stores
	files := filecache.New(cfg.Cache.FileTTL)
	links := preview.NewLinkStore(cfg.Preview.LinkTTL)

	// Lifecycle manager
	manager := lifecycle.NewManager(lifecycle.Config{
		Provisioner:     provisioner,
		Files:           files,
		Projects:        projects,
		Logger:          logger,
		ProvisionBudget: cfg.Lifecycle.ProvisionBudget,
		IdleTTL:         cfg.Lifecycle.IdleTTL,
		StartCommand:    cfg.Sandbox.StartCommand,
	})

	// Initialize handler
	h, err := handler.New(cfg, manager, files, links, logger)
	if err != nil {
		logger.Error("Failed to initialize handler", "error", err)
		os.Exit(1)
	}

	// Periodic sweeps: idle instances, expired file snapshots, expired links
	sweeper := cron.New()
	_, err = sweeper.AddFunc("@every "+cfg.Lifecycle.SweepInterval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		if n := manager.SweepIdle(ctx); n > 0 {
			logger.Info("Idle sweep finished", "evicted", n)
		}
		if n := files.Purge(); n > 0 {
			logger.Info("File cache purge finished", "removed", n)
		}
		if n := links.Purge(); n > 0 {
			logger.Info("Preview link purge finished", "removed", n)
		}
	})
	if err != nil {
		logger.Error("Failed to schedule sweeps", "error", err)
		os.Exit(1)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Setup HTTP router
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	// Request-scoped logger first, access logs around everything
	root := appctx.LoggerMiddleware(logger)(mux)
	root = cloudlog.HTTPMiddleware(logger)(root)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      root,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting HTTP server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	// Release every live sandbox before exiting; a dead process cannot
	// sweep them later.
	for _, inst := range manager.GetActiveInstances() {
		if err := manager.StopServer(ctx, inst.ID); err != nil {
			logger.Error("Failed to stop server during shutdown",
				"project_id", inst.ID, "error", err)
		}
	}

	logger.Info("Server exited gracefully")
}

// newLogger builds the process logger: Cloud Logging JSON when LOG_FORMAT
// is cloud, plain JSON otherwise. Development runs at debug level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Server.IsDevelopment() {
		level = slog.LevelDebug
	}

	if cfg.Server.LogFormat == "cloud" {
		return slog.New(cloudlog.NewHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
