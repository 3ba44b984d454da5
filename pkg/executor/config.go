// Package executor implements the standalone execution service. It accepts
// Core-authorized commands on POST /v1/executions, admits them through an
// ordered ladder of checks, executes them through an openclaw runtime (CLI
// subprocess or HTTP gateway), and records every result durably before
// responding.
package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aro-automation/aro/pkg/secrets"
)

// RuntimeMode selects how commands reach the openclaw agent.
type RuntimeMode string

const (
	// RuntimeModeCLI spawns the openclaw CLI per execution.
	RuntimeModeCLI RuntimeMode = "cli"
	// RuntimeModeGateway posts to an openclaw HTTP gateway.
	RuntimeModeGateway RuntimeMode = "gateway"
)

// Defaults applied when the corresponding env variable is unset.
const (
	DefaultPort                = "8090"
	DefaultTenantRatePerMinute = 60
	DefaultAgentTimeout        = 60 * time.Second
	DefaultOutboxMaxEvents     = 1000
	DefaultIdempotencyFile     = "data/executor-idempotency.json"
	DefaultOutboxFile          = "data/executor-outbox.json"
)

// ToolMapping routes a commandType to a gateway tool invocation.
type ToolMapping struct {
	Tool   string `json:"tool"`
	Action string `json:"action,omitempty"`
}

// Config holds the Executor's runtime configuration. Shared tokens are
// resolved through the secret provider, never read from config files.
type Config struct {
	Host string
	Port string

	// SharedToken authenticates the Core service (OPENCLAW_SHARED_TOKEN).
	SharedToken string

	AllowedTenants      []string
	AllowedCommands     []string
	TenantRatePerMinute int

	// ManifestVersion is the permission manifest version this deployment
	// was reviewed against. Commands citing any other version are refused.
	ManifestVersion string

	IdempotencyFile string
	OutboxFile      string
	OutboxMaxEvents int

	RuntimeMode RuntimeMode

	// CLI mode.
	AgentID        string
	AgentLocalMode bool
	AgentTimeout   time.Duration

	// Gateway mode.
	GatewayURL   string
	GatewayToken string
	ToolMappings map[string]ToolMapping
}

// Addr returns the host:port the HTTP server binds.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// LoadConfigFromEnv builds the Executor config from the environment, pulling
// secrets through the provider so vault-backed deployments work unchanged.
func LoadConfigFromEnv(sp secrets.Provider) (*Config, error) {
	cfg := &Config{
		Host:                os.Getenv("HOST"),
		Port:                getEnv("PORT", DefaultPort),
		AllowedTenants:      splitList(os.Getenv("OPENCLAW_ALLOWED_TENANTS")),
		AllowedCommands:     splitList(os.Getenv("OPENCLAW_ALLOWED_COMMANDS")),
		TenantRatePerMinute: getEnvInt("OPENCLAW_TENANT_RATE_LIMIT_PER_MINUTE", DefaultTenantRatePerMinute),
		ManifestVersion:     os.Getenv("OPENCLAW_PERMISSION_MANIFEST_VERSION"),
		IdempotencyFile:     getEnv("OPENCLAW_IDEMPOTENCY_STORE_FILE", DefaultIdempotencyFile),
		OutboxFile:          getEnv("OPENCLAW_OUTBOX_FILE", DefaultOutboxFile),
		OutboxMaxEvents:     getEnvInt("OPENCLAW_OUTBOX_MAX_EVENTS", DefaultOutboxMaxEvents),
		RuntimeMode:         RuntimeMode(getEnv("OPENCLAW_RUNTIME_MODE", string(RuntimeModeCLI))),
		AgentID:             os.Getenv("OPENCLAW_AGENT_ID"),
		AgentLocalMode:      getEnvBool("OPENCLAW_AGENT_LOCAL_MODE"),
		AgentTimeout:        time.Duration(getEnvInt("OPENCLAW_AGENT_TIMEOUT_SECONDS", int(DefaultAgentTimeout.Seconds()))) * time.Second,
		GatewayURL:          os.Getenv("OPENCLAW_GATEWAY_URL"),
	}

	token, err := sp.Get("OPENCLAW_SHARED_TOKEN")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shared token: %w", err)
	}
	cfg.SharedToken = token

	if cfg.ManifestVersion == "" {
		return nil, fmt.Errorf("OPENCLAW_PERMISSION_MANIFEST_VERSION is required")
	}
	if len(cfg.AllowedTenants) == 0 {
		return nil, fmt.Errorf("OPENCLAW_ALLOWED_TENANTS is required; an empty allow-list admits nobody on purpose, set it explicitly")
	}
	if len(cfg.AllowedCommands) == 0 {
		return nil, fmt.Errorf("OPENCLAW_ALLOWED_COMMANDS is required")
	}

	switch cfg.RuntimeMode {
	case RuntimeModeCLI:
		if cfg.AgentID == "" {
			return nil, fmt.Errorf("OPENCLAW_AGENT_ID is required in cli runtime mode")
		}
	case RuntimeModeGateway:
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("OPENCLAW_GATEWAY_URL is required in gateway runtime mode")
		}
		gwToken, err := sp.Get("OPENCLAW_GATEWAY_TOKEN")
		if err != nil {
			return nil, fmt.Errorf("failed to resolve gateway token: %w", err)
		}
		cfg.GatewayToken = gwToken

		raw := os.Getenv("OPENCLAW_GATEWAY_TOOL_MAPPINGS")
		if raw == "" {
			return nil, fmt.Errorf("OPENCLAW_GATEWAY_TOOL_MAPPINGS is required in gateway runtime mode")
		}
		if err := json.Unmarshal([]byte(raw), &cfg.ToolMappings); err != nil {
			return nil, fmt.Errorf("failed to parse OPENCLAW_GATEWAY_TOOL_MAPPINGS: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown OPENCLAW_RUNTIME_MODE %q (want cli or gateway)", cfg.RuntimeMode)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
