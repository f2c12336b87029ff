// Drover supervises long-running AI worker sessions: it plans each
// session's iteration budget, drives the worker children with retry and
// crash recovery, and serves the control API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/drover-sh/drover/pkg/api"
	"github.com/drover-sh/drover/pkg/config"
	"github.com/drover-sh/drover/pkg/supervisor"
	"github.com/drover-sh/drover/pkg/version"
)

// Exit codes for supervisor-fatal startup conditions.
const (
	exitConfig  = 1
	exitStorage = 2
	exitWorker  = 3
	exitServe   = 4
)

// shutdownGrace bounds how long session loops get to mark their rows
// after the stop signal.
const shutdownGrace = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("DROVER_CONFIG", ""),
		"Path to drover.yaml (optional)")
	flag.Parse()

	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// Load .env before configuration reads the environment.
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	} else {
		slog.Info("Loaded environment", "path", ".env")
	}

	slog.Info("Starting drover", "version", version.Full())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Configuration: defaults, YAML file, DROVER_* overrides.
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitConfig)
	}
	if cfg.Debug {
		level.Set(slog.LevelDebug)
	}

	// 2. The worker executable must exist; without it every session
	// would fail at its first iteration.
	if _, err := exec.LookPath(cfg.Worker.Command); err != nil {
		slog.Error("Worker executable not found", "command", cfg.Worker.Command, "error", err)
		os.Exit(exitWorker)
	}

	// 3. Build the component graph and open storage.
	sup, err := supervisor.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(exitStorage)
	}

	// 4. Orphan sweep, crash recovery, background services.
	if err := sup.Start(); err != nil {
		slog.Error("Failed to start supervisor", "error", err)
		sup.Shutdown(shutdownGrace)
		os.Exit(exitStorage)
	}

	// 5. HTTP server (non-blocking).
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(sup).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 6. Wait for a shutdown signal or a server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		exitCode = exitServe
	}

	// 7. Stop accepting requests, then wind the supervisor down.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	sup.Shutdown(shutdownGrace)
	slog.Info("Shutdown complete")

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}
