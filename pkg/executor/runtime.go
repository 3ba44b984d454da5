package executor

import (
	"context"

	"github.com/aro-automation/aro/pkg/contracts"
)

// agentPreamble is prepended to every message handed to the openclaw agent.
// The agent executes with real credentials; this pins its scope to the single
// side effect the Core already authorized.
const agentPreamble = "You are executing exactly one Core-authorized side effect. " +
	"Do not initiate further workflows, schedule follow-up actions, or mutate " +
	"business state beyond the single command below."

// Runtime executes one admitted command against the openclaw agent. An error
// return means the execution failed; the error message becomes the failure
// reason on the emitted result event.
type Runtime interface {
	// Invoke runs the command and returns the runtime-specific payload
	// fields for the result event (openclawOutput and friends).
	Invoke(ctx context.Context, cmd contracts.ExecutorCommand) (map[string]any, error)

	// Mode names the runtime for the openclawRuntimeMode payload field.
	Mode() RuntimeMode
}
