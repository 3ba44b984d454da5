package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aro-automation/aro/pkg/contracts"
)

// CLIRuntime spawns the openclaw CLI for each execution. The subprocess gets
// a context deadline; on timeout it receives SIGTERM rather than SIGKILL so
// it can release provider-side resources.
type CLIRuntime struct {
	// Binary is the executable to spawn; defaults to "openclaw".
	Binary  string
	AgentID string
	Local   bool
	Timeout time.Duration
}

// NewCLIRuntime builds the CLI runtime from config.
func NewCLIRuntime(cfg *Config) *CLIRuntime {
	return &CLIRuntime{
		Binary:  "openclaw",
		AgentID: cfg.AgentID,
		Local:   cfg.AgentLocalMode,
		Timeout: cfg.AgentTimeout,
	}
}

// Mode reports "cli".
func (r *CLIRuntime) Mode() RuntimeMode { return RuntimeModeCLI }

// Invoke runs `openclaw agent --agent <id> --message <json> --json --timeout
// <s> [--local]`. Non-zero exit fails the execution with stderr as the
// reason. Stdout is JSON-parsed when possible, otherwise wrapped as
// {"text": <stdout>}.
func (r *CLIRuntime) Invoke(ctx context.Context, cmd contracts.ExecutorCommand) (map[string]any, error) {
	message, err := buildAgentMessage(cmd)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := []string{
		"agent",
		"--agent", r.AgentID,
		"--message", message,
		"--json",
		"--timeout", strconv.Itoa(int(r.Timeout.Seconds())),
	}
	if r.Local {
		args = append(args, "--local")
	}

	proc := exec.CommandContext(ctx, r.Binary, args...)
	proc.Cancel = func() error {
		return proc.Process.Signal(syscall.SIGTERM)
	}
	proc.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	if err := proc.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("openclaw agent timed out after %s", r.Timeout)
		}
		reason := strings.TrimSpace(stderr.String())
		if reason == "" {
			reason = err.Error()
		}
		return nil, fmt.Errorf("openclaw agent failed: %s", reason)
	}

	return map[string]any{
		"agentId":        r.AgentID,
		"openclawOutput": parseAgentOutput(stdout.String()),
	}, nil
}

// buildAgentMessage serializes the command into the agent message, preamble
// first.
func buildAgentMessage(cmd contracts.ExecutorCommand) (string, error) {
	msg := map[string]any{
		"preamble":      agentPreamble,
		"executionId":   cmd.ExecutionID,
		"tenantId":      cmd.TenantID,
		"correlationId": cmd.CorrelationID,
		"commandType":   cmd.CommandType,
		"payload":       cmd.Payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to serialize agent message: %w", err)
	}
	return string(data), nil
}

// parseAgentOutput JSON-decodes stdout when it is valid JSON; anything else
// is preserved verbatim under "text".
func parseAgentOutput(stdout string) any {
	trimmed := strings.TrimSpace(stdout)
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		return parsed
	}
	return map[string]any{"text": trimmed}
}
