package models

import "time"

// WorkflowState is the runtime state of a workflow instance.
type WorkflowState string

const (
	WorkflowPending   WorkflowState = "PENDING"
	WorkflowRunning   WorkflowState = "RUNNING"
	WorkflowWaiting   WorkflowState = "WAITING"
	WorkflowRetrying  WorkflowState = "RETRYING"
	WorkflowCompleted WorkflowState = "COMPLETED"
	WorkflowFailed    WorkflowState = "FAILED"
	WorkflowCancelled WorkflowState = "CANCELLED"
)

// IsTerminal reports whether the workflow state admits no further work.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// WorkflowInstance records one orchestration run, typically per appointment.
type WorkflowInstance struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	WorkflowName  string         `json:"workflow_name"`
	Version       int            `json:"version"`
	AppointmentID string         `json:"appointment_id,omitempty"`
	State         WorkflowState  `json:"state"`
	StateData     map[string]any `json:"state_data,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DeadLetter is a command or workflow that exhausted its retries. Entries are
// admin-actionable: retry-able manually or archivable.
type DeadLetter struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	Kind       string         `json:"kind"`
	Context    map[string]any `json:"context"`
	Error      string         `json:"error"`
	Attempts   int            `json:"attempts"`
	Archived   bool           `json:"archived"`
	CreatedAt  time.Time      `json:"created_at"`
	ArchivedAt *time.Time     `json:"archived_at,omitempty"`
}
