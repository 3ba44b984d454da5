package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Publisher appends events to the log and broadcasts them via NOTIFY in a
// single transaction (pg_notify is transactional, held until COMMIT), so a
// broadcast never references a row that failed to persist.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher. The db parameter should be the *sql.DB
// from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish persists evt and fires the NOTIFY atomically. Duplicate event ids
// and idempotency keys are absorbed without a second broadcast; the stored
// row is returned with inserted=false.
func (p *Publisher) Publish(ctx context.Context, evt *StoredEvent) (inserted bool, err error) {
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	var idemKey sql.NullString
	if evt.IdempotencyKey != "" {
		idemKey = sql.NullString{String: evt.IdempotencyKey, Valid: true}
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO events
			(event_id, tenant_id, event_type, aggregate_type, aggregate_id,
			 payload, correlation_id, causation_id, idempotency_key, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING
		RETURNING replay_cursor, recorded_at`,
		evt.EventID, evt.TenantID, evt.EventType, evt.AggregateType, evt.AggregateID,
		payloadJSON, nullable(evt.CorrelationID), nullable(evt.CausationID),
		idemKey, evt.OccurredAt,
	).Scan(&evt.ReplayCursor, &evt.RecordedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Duplicate delivery: return what was stored first, no new NOTIFY.
		_ = tx.Rollback()
		existing, lookupErr := NewStore(p.db).findDuplicate(ctx, evt.EventID, evt.IdempotencyKey)
		if lookupErr != nil {
			return false, lookupErr
		}
		*evt = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to persist event: %w", err)
	}

	notifyJSON, err := json.Marshal(notifyEnvelope{
		ReplayCursor: evt.ReplayCursor,
		EventID:      evt.EventID,
		TenantID:     evt.TenantID,
		EventType:    evt.EventType,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal NOTIFY payload: %w", err)
	}

	// pg_notify within the same transaction, held until COMMIT.
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", EventsChannel, string(notifyJSON)); err != nil {
		return false, fmt.Errorf("pg_notify failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return true, nil
}
