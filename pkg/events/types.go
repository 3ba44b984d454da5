// Package events implements the canonical event log: append with dedupe,
// cursor-based replay, transactional publish with pg_notify, and webhook
// subscription delivery driven by LISTEN.
package events

import (
	"strconv"
	"time"
)

// EventsChannel is the single NOTIFY channel events are broadcast on. The
// payload carries tenant and type; subscription routing happens in-process.
const EventsChannel = "aro_events"

// MaxListLimit caps the page size of event list and replay queries.
const MaxListLimit = 500

// DefaultListLimit applies when the caller does not specify a limit.
const DefaultListLimit = 100

// StoredEvent is one row of the append-only event log. ReplayCursor is a
// monotonically increasing position assigned by the database; clients treat
// it as opaque.
type StoredEvent struct {
	ReplayCursor   int64          `json:"-"`
	EventID        string         `json:"eventId"`
	TenantID       string         `json:"tenantId"`
	EventType      string         `json:"eventType"`
	AggregateType  string         `json:"aggregateType"`
	AggregateID    string         `json:"aggregateId"`
	Payload        map[string]any `json:"payload"`
	CorrelationID  string         `json:"correlationId,omitempty"`
	CausationID    string         `json:"causationId,omitempty"`
	IdempotencyKey string         `json:"-"`
	OccurredAt     time.Time      `json:"occurredAt"`
	RecordedAt     time.Time      `json:"recordedAt"`
}

// Cursor renders the replay position as the opaque string the API exposes.
func (e *StoredEvent) Cursor() string {
	return strconv.FormatInt(e.ReplayCursor, 10)
}

// ParseCursor decodes an opaque cursor string. Empty means "from the start".
func ParseCursor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// ClampLimit normalizes a requested page size into [1, MaxListLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ListFilter narrows an event list or replay query.
type ListFilter struct {
	TenantID      string
	EventType     string
	EventTypes    []string
	AggregateType string
	AggregateID   string
	AfterCursor   int64
	Limit         int
}

// notifyEnvelope is the compact shape broadcast via pg_notify. Subscribers
// re-read the full row by cursor when needed.
type notifyEnvelope struct {
	ReplayCursor int64  `json:"replay_cursor"`
	EventID      string `json:"event_id"`
	TenantID     string `json:"tenant_id"`
	EventType    string `json:"event_type"`
}
