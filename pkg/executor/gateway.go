package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aro-automation/aro/pkg/contracts"
)

// GatewayRuntime posts executions to an openclaw HTTP gateway's
// /tools/invoke endpoint. The tool (and optional action) for each
// commandType comes from the configured mapping; a command with no mapping
// fails without any network call.
type GatewayRuntime struct {
	url      string
	token    string
	mappings map[string]ToolMapping
	timeout  time.Duration
	client   *http.Client
}

// NewGatewayRuntime builds the gateway runtime from config.
func NewGatewayRuntime(cfg *Config) *GatewayRuntime {
	return &GatewayRuntime{
		url:      cfg.GatewayURL,
		token:    cfg.GatewayToken,
		mappings: cfg.ToolMappings,
		timeout:  cfg.AgentTimeout,
		client:   &http.Client{Timeout: cfg.AgentTimeout},
	}
}

// Mode reports "gateway".
func (r *GatewayRuntime) Mode() RuntimeMode { return RuntimeModeGateway }

type toolInvocation struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action,omitempty"`
	Args   map[string]any `json:"args"`
}

// Invoke maps the command to a tool call and posts it to the gateway.
func (r *GatewayRuntime) Invoke(ctx context.Context, cmd contracts.ExecutorCommand) (map[string]any, error) {
	mapping, ok := r.mappings[cmd.CommandType]
	if !ok {
		return nil, fmt.Errorf("no gateway tool mapping for command type %s", cmd.CommandType)
	}

	body, err := json.Marshal(toolInvocation{
		Tool:   mapping.Tool,
		Action: mapping.Action,
		Args: map[string]any{
			"executionId":   cmd.ExecutionID,
			"tenantId":      cmd.TenantID,
			"correlationId": cmd.CorrelationID,
			"commandType":   cmd.CommandType,
			"payload":       cmd.Payload,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize tool invocation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/tools/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("X-Correlation-Id", cmd.CorrelationID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	return map[string]any{
		"tool":           mapping.Tool,
		"openclawOutput": parseAgentOutput(string(raw)),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
