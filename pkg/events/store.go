package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEventNotFound is returned when an event lookup matches no row.
var ErrEventNotFound = errors.New("event not found")

// Store is the append-only event log backed by the events table.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store. The db parameter should be the *sql.DB from
// database.Client.DB().
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts an event, assigning its replay cursor. Duplicate event ids
// and duplicate idempotency keys are absorbed: the existing row is returned
// with inserted=false and no new row is written.
func (s *Store) Append(ctx context.Context, evt *StoredEvent) (inserted bool, err error) {
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

	err = s.db.QueryRowContext(ctx,
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

	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to append event: %w", err)
	}

	// Conflict path: load the row that won.
	existing, lookupErr := s.findDuplicate(ctx, evt.EventID, evt.IdempotencyKey)
	if lookupErr != nil {
		return false, lookupErr
	}
	*evt = *existing
	return false, nil
}

func (s *Store) findDuplicate(ctx context.Context, eventID, idemKey string) (*StoredEvent, error) {
	row := s.db.QueryRowContext(ctx,
		selectEvent+` WHERE event_id = $1 OR (idempotency_key IS NOT NULL AND idempotency_key = $2)
		ORDER BY replay_cursor LIMIT 1`,
		eventID, idemKey)
	return scanEvent(row)
}

// ByEventID fetches a single event.
func (s *Store) ByEventID(ctx context.Context, eventID string) (*StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE event_id = $1`, eventID)
	return scanEvent(row)
}

// ByIdempotencyKey fetches the event recorded under an inbound dedupe key.
func (s *Store) ByIdempotencyKey(ctx context.Context, key string) (*StoredEvent, error) {
	row := s.db.QueryRowContext(ctx, selectEvent+` WHERE idempotency_key = $1`, key)
	return scanEvent(row)
}

// List returns events after the filter's cursor in replay order, limited per
// ClampLimit, plus the cursor to resume from (empty when the page is empty).
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*StoredEvent, string, error) {
	query := selectEvent + ` WHERE replay_cursor > $1`
	args := []any{filter.AfterCursor}

	add := func(clause, val string) {
		if val != "" {
			args = append(args, val)
			query += fmt.Sprintf(" AND %s = $%d", clause, len(args))
		}
	}
	add("tenant_id", filter.TenantID)
	add("event_type", filter.EventType)
	add("aggregate_type", filter.AggregateType)
	add("aggregate_id", filter.AggregateID)

	if len(filter.EventTypes) > 0 {
		placeholders := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			args = append(args, et)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	limit := ClampLimit(filter.Limit)
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY replay_cursor LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*StoredEvent
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to iterate events: %w", err)
	}

	nextCursor := ""
	if len(out) > 0 {
		nextCursor = out[len(out)-1].Cursor()
	}
	return out, nextCursor, nil
}

const selectEvent = `SELECT replay_cursor, event_id, tenant_id, event_type,
	aggregate_type, aggregate_id, payload, correlation_id, causation_id,
	idempotency_key, occurred_at, recorded_at FROM events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*StoredEvent, error) {
	var (
		evt         StoredEvent
		payloadJSON []byte
		correlation sql.NullString
		causation   sql.NullString
		idemKey     sql.NullString
	)
	err := row.Scan(&evt.ReplayCursor, &evt.EventID, &evt.TenantID, &evt.EventType,
		&evt.AggregateType, &evt.AggregateID, &payloadJSON, &correlation,
		&causation, &idemKey, &evt.OccurredAt, &evt.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}
	evt.CorrelationID = correlation.String
	evt.CausationID = causation.String
	evt.IdempotencyKey = idemKey.String
	return &evt, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: strings.TrimSpace(s) != ""}
}
