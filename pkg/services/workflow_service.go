package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/workflow"
)

// WorkflowService persists workflow instances and applies runtime state
// transitions through the workflow state machine.
type WorkflowService struct {
	db *sql.DB
}

// NewWorkflowService creates a WorkflowService.
func NewWorkflowService(db *sql.DB) *WorkflowService {
	return &WorkflowService{db: db}
}

// Start creates a PENDING workflow instance.
func (s *WorkflowService) Start(ctx context.Context, w *models.WorkflowInstance) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.State == "" {
		w.State = models.WorkflowPending
	}
	if w.MaxRetries <= 0 {
		w.MaxRetries = 3
	}
	stateJSON, err := json.Marshal(w.StateData)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state data: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO workflow_instances
			(id, tenant_id, workflow_name, version, appointment_id, state, state_data, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		w.ID, w.TenantID, w.WorkflowName, w.Version, nullIfEmpty(w.AppointmentID),
		w.State, stateJSON, w.MaxRetries,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to start workflow instance: %w", err)
	}
	return nil
}

// ByID fetches a workflow instance.
func (s *WorkflowService) ByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, selectWorkflow+` WHERE id = $1`, id)
	return scanWorkflow(row)
}

// Advance applies a state transition via the workflow state machine and
// persists the result. RETRYING transitions count against the retry budget.
func (s *WorkflowService) Advance(ctx context.Context, id string, to models.WorkflowState, lastError string) (*models.WorkflowInstance, error) {
	w, err := s.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := workflow.AdvanceWorkflow(w, to, time.Now().UTC()); err != nil {
		return nil, err
	}
	if lastError != "" {
		w.LastError = lastError
	}
	if err := s.save(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// SetStateData merges keys into the instance's state data.
func (s *WorkflowService) SetStateData(ctx context.Context, id string, data map[string]any) (*models.WorkflowInstance, error) {
	w, err := s.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.StateData == nil {
		w.StateData = make(map[string]any, len(data))
	}
	for k, v := range data {
		w.StateData[k] = v
	}
	if err := s.save(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// RetryForAppointment moves the appointment's most recent workflow instance
// back into the retry path: a RETRYING instance resumes RUNNING, a RUNNING or
// WAITING one is pushed to RETRYING. The retry budget still applies.
func (s *WorkflowService) RetryForAppointment(ctx context.Context, tenantID, appointmentID string) (*models.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		selectWorkflow+` WHERE tenant_id = $1 AND appointment_id = $2
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, appointmentID)
	w, err := scanWorkflow(row)
	if err != nil {
		return nil, err
	}

	target := models.WorkflowRetrying
	if w.State == models.WorkflowRetrying {
		target = models.WorkflowRunning
	}
	if err := workflow.AdvanceWorkflow(w, target, time.Now().UTC()); err != nil {
		return nil, NewValidationError("workflow", err.Error())
	}
	w.LastError = ""
	if err := s.save(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// ListStuck returns non-terminal instances that have not progressed since the
// cutoff, for the admin overview.
func (s *WorkflowService) ListStuck(ctx context.Context, tenantID string, cutoff time.Time) ([]*models.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		selectWorkflow+` WHERE tenant_id = $1
			AND state NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
			AND updated_at < $2
		ORDER BY updated_at`,
		tenantID, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkflowInstance
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WorkflowService) save(ctx context.Context, w *models.WorkflowInstance) error {
	stateJSON, err := json.Marshal(w.StateData)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow state data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET
			state = $2, state_data = $3, retry_count = $4, last_error = $5, updated_at = now()
		WHERE id = $1`,
		w.ID, w.State, stateJSON, w.RetryCount, nullIfEmpty(w.LastError))
	if err != nil {
		return fmt.Errorf("failed to update workflow instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectWorkflow = `SELECT id, tenant_id, workflow_name, version,
	appointment_id, state, state_data, retry_count, max_retries, last_error,
	created_at, updated_at FROM workflow_instances`

func scanWorkflow(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		w             models.WorkflowInstance
		appointmentID sql.NullString
		stateJSON     []byte
		lastError     sql.NullString
	)
	err := row.Scan(&w.ID, &w.TenantID, &w.WorkflowName, &w.Version,
		&appointmentID, &w.State, &stateJSON, &w.RetryCount, &w.MaxRetries,
		&lastError, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
	}
	w.AppointmentID = appointmentID.String
	w.LastError = lastError.String
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &w.StateData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow state data: %w", err)
		}
	}
	return &w, nil
}
