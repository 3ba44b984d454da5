package database

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateEventIndexes creates indexes that speed up the hot event-log paths:
// cursor replays and per-aggregate timelines.
func CreateEventIndexes(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_cursor
		ON events (tenant_id, replay_cursor)`)
	if err != nil {
		return fmt.Errorf("failed to create tenant cursor index: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_events_aggregate
		ON events (aggregate_type, aggregate_id, replay_cursor)`)
	if err != nil {
		return fmt.Errorf("failed to create aggregate index: %w", err)
	}

	return nil
}
