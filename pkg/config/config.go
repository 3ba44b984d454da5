// Package config loads the Core Engine's environment configuration and the
// optional per-tenant profile packs. Every subsystem receives an explicit
// struct; nothing reads the environment after startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aro-automation/aro/pkg/secrets"
)

// Defaults for the Core service.
const (
	DefaultHost                 = "0.0.0.0"
	DefaultPort                 = 8080
	DefaultExecutorURL          = "http://localhost:8090"
	DefaultQueueFile            = "data/core-command-queue.json"
	DefaultWorkerInterval       = 5 * time.Second
	DefaultWorkerMaxAttempts    = 3
	DefaultMigrationLockTimeout = 30 * time.Second
	DefaultInboundRatePerMin    = 120
	DefaultDepositAmount        = 25.0
)

// Dispatch modes for outbound commands.
const (
	// DispatchModeExecutor routes every integration command through the
	// Executor service.
	DispatchModeExecutor = "executor"
	// DispatchModeProvider sends messaging commands straight through the
	// provider adapter, with the fallback queue absorbing open circuits.
	DispatchModeProvider = "provider"
)

// Core is the Core Engine's service configuration.
type Core struct {
	Env      string
	Host     string
	Port     int
	LogLevel slog.Level

	MigrationLockTimeout time.Duration

	// ExecutorURL and ExecutorToken authenticate Core's calls to the
	// Executor; ServiceToken authenticates callers of Core's own /v1 API.
	ExecutorURL   string
	ExecutorToken string
	ServiceToken  string

	AdminUsername string
	AdminPassword string

	ManifestVersion string

	QueueFile         string
	WorkerInterval    time.Duration
	WorkerMaxAttempts int
	DispatchMode      string

	ProfileDir string

	InboundRatePerMinute int
	DepositAmount        float64
}

// Addr returns the host:port listen address.
func (c *Core) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadCoreFromEnv builds the Core config from the environment, resolving
// tokens through the secret provider. Missing required values fail fast.
func LoadCoreFromEnv(sp secrets.Provider) (*Core, error) {
	cfg := &Core{
		Env:                  getEnv("NODE_ENV", "development"),
		Host:                 getEnv("HOST", DefaultHost),
		Port:                 getEnvInt("PORT", DefaultPort),
		LogLevel:             parseLogLevel(getEnv("LOG_LEVEL", "info")),
		MigrationLockTimeout: time.Duration(getEnvInt("DATABASE_MIGRATION_LOCK_TIMEOUT", int(DefaultMigrationLockTimeout/time.Second))) * time.Second,
		ExecutorURL:          getEnv("OPENCLAW_EXECUTOR_URL", DefaultExecutorURL),
		ManifestVersion:      os.Getenv("OPENCLAW_PERMISSION_MANIFEST_VERSION"),
		QueueFile:            getEnv("CORE_COMMAND_QUEUE_FILE", DefaultQueueFile),
		WorkerInterval:       time.Duration(getEnvInt("CORE_DISPATCH_WORKER_INTERVAL_MS", int(DefaultWorkerInterval/time.Millisecond))) * time.Millisecond,
		WorkerMaxAttempts:    getEnvInt("CORE_DISPATCH_WORKER_MAX_ATTEMPTS", DefaultWorkerMaxAttempts),
		DispatchMode:         getEnv("CORE_DISPATCH_MODE", DispatchModeExecutor),
		ProfileDir:           os.Getenv("CORE_PROFILE_DIR"),
		InboundRatePerMinute: getEnvInt("CORE_INBOUND_RATE_LIMIT_PER_MINUTE", DefaultInboundRatePerMin),
		DepositAmount:        getEnvFloat("CORE_DEPOSIT_AMOUNT", DefaultDepositAmount),
		AdminUsername:        getEnv("ADMIN_USERNAME", "admin"),
	}

	var err error
	if cfg.ServiceToken, err = sp.Get("CORE_SERVICE_SHARED_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to load service token: %w", err)
	}
	if cfg.ExecutorToken, err = sp.Get("OPENCLAW_SHARED_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to load executor token: %w", err)
	}
	if cfg.AdminPassword, err = sp.Get("ADMIN_PASSWORD"); err != nil {
		return nil, fmt.Errorf("failed to load admin password: %w", err)
	}

	if cfg.ManifestVersion == "" {
		return nil, fmt.Errorf("OPENCLAW_PERMISSION_MANIFEST_VERSION is required")
	}
	if cfg.WorkerInterval <= 0 {
		return nil, fmt.Errorf("CORE_DISPATCH_WORKER_INTERVAL_MS must be positive")
	}
	if cfg.WorkerMaxAttempts <= 0 {
		return nil, fmt.Errorf("CORE_DISPATCH_WORKER_MAX_ATTEMPTS must be positive")
	}
	if cfg.DispatchMode != DispatchModeExecutor && cfg.DispatchMode != DispatchModeProvider {
		return nil, fmt.Errorf("CORE_DISPATCH_MODE must be %q or %q", DispatchModeExecutor, DispatchModeProvider)
	}
	return cfg, nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
