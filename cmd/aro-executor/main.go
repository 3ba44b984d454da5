// ARO Executor — the standalone execution service. Accepts Core-authorized
// commands, admits them through the ordered check ladder, and runs them
// through an openclaw runtime.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aro-automation/aro/pkg/executor"
	"github.com/aro-automation/aro/pkg/secrets"
	"github.com/aro-automation/aro/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	sp := secrets.NewEnvProvider()
	cfg, err := executor.LoadConfigFromEnv(sp)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
	slog.Info("Starting ARO Executor",
		"version", version.Commit,
		"runtime_mode", cfg.RuntimeMode,
		"manifest_version", cfg.ManifestVersion,
		"addr", cfg.Addr())

	var runtime executor.Runtime
	switch cfg.RuntimeMode {
	case executor.RuntimeModeCLI:
		runtime = executor.NewCLIRuntime(cfg)
	case executor.RuntimeModeGateway:
		runtime = executor.NewGatewayRuntime(cfg)
	}

	idempotency, err := executor.NewIdempotencyStore(cfg.IdempotencyFile)
	if err != nil {
		slog.Error("Failed to open idempotency store", "path", cfg.IdempotencyFile, "error", err)
		os.Exit(1)
	}
	outbox, err := executor.NewOutbox(cfg.OutboxFile, cfg.OutboxMaxEvents)
	if err != nil {
		slog.Error("Failed to open outbox", "path", cfg.OutboxFile, "error", err)
		os.Exit(1)
	}

	server := executor.NewServer(cfg, runtime, idempotency, outbox)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := server.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
