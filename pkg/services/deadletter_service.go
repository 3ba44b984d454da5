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
)

// DeadLetterService manages commands and workflows that exhausted their
// retries. Entries stay visible to admins until archived.
type DeadLetterService struct {
	db *sql.DB
}

// NewDeadLetterService creates a DeadLetterService.
func NewDeadLetterService(db *sql.DB) *DeadLetterService {
	return &DeadLetterService{db: db}
}

// Add records a dead letter.
func (s *DeadLetterService) Add(ctx context.Context, dl *models.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	contextJSON, err := json.Marshal(dl.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter context: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO dead_letters (id, tenant_id, kind, context, error, attempts)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		dl.ID, dl.TenantID, dl.Kind, contextJSON, dl.Error, dl.Attempts,
	).Scan(&dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// ByID fetches one dead letter.
func (s *DeadLetterService) ByID(ctx context.Context, id string) (*models.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, selectDeadLetter+` WHERE id = $1`, id)
	return scanDeadLetter(row)
}

// ListActive returns unarchived dead letters for a tenant, oldest first.
func (s *DeadLetterService) ListActive(ctx context.Context, tenantID string, limit int) ([]*models.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		selectDeadLetter+` WHERE tenant_id = $1 AND NOT archived ORDER BY created_at LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Archive marks a dead letter as handled.
func (s *DeadLetterService) Archive(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET archived = TRUE, archived_at = now() WHERE id = $1 AND NOT archived`,
		id)
	if err != nil {
		return fmt.Errorf("failed to archive dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveOlderThan archives all unarchived entries past the retention cutoff.
// Used by the maintenance pass. Returns the number archived.
func (s *DeadLetterService) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET archived = TRUE, archived_at = now()
		WHERE NOT archived AND created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to archive old dead letters: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectDeadLetter = `SELECT id, tenant_id, kind, context, error, attempts,
	archived, created_at, archived_at FROM dead_letters`

func scanDeadLetter(row rowScanner) (*models.DeadLetter, error) {
	var (
		dl          models.DeadLetter
		contextJSON []byte
		archivedAt  sql.NullTime
	)
	err := row.Scan(&dl.ID, &dl.TenantID, &dl.Kind, &contextJSON, &dl.Error,
		&dl.Attempts, &dl.Archived, &dl.CreatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &dl.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter context: %w", err)
		}
	}
	if archivedAt.Valid {
		dl.ArchivedAt = &archivedAt.Time
	}
	return &dl, nil
}
