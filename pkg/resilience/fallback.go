package resilience

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FallbackEntry is outbound work deferred because a circuit was open or a
// provider rate limit was exceeded.
type FallbackEntry struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Domain       string         `json:"domain"`
	Reason       string         `json:"reason"`
	Payload      map[string]any `json:"payload"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	EnqueuedAt   time.Time      `json:"enqueued_at"`
}

// AdminNotifier receives escalations for deferred or dropped work.
// Implementations must not block.
type AdminNotifier interface {
	Notify(subject, detail string)
}

// LogNotifier escalates to the structured log. Deployments without a paging
// integration still get a searchable record.
type LogNotifier struct{}

func (LogNotifier) Notify(subject, detail string) {
	slog.Warn("Admin escalation", "subject", subject, "detail", detail)
}

// FallbackQueue holds time-scheduled deferred sends. Entries become due when
// their ScheduledFor passes; Due drains them in schedule order.
type FallbackQueue struct {
	mu       sync.Mutex
	entries  []FallbackEntry
	notifier AdminNotifier
	now      func() time.Time
}

// NewFallbackQueue creates a fallback queue. notifier may be nil.
func NewFallbackQueue(notifier AdminNotifier) *FallbackQueue {
	return &FallbackQueue{notifier: notifier, now: time.Now}
}

// Defer enqueues the entry and notifies the admin hook.
func (q *FallbackQueue) Defer(entry FallbackEntry) {
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.now()
	}
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()

	if q.notifier != nil {
		q.notifier.Notify("outbound work deferred",
			entry.Domain+": "+entry.Reason)
	}
}

// Due removes and returns all entries whose ScheduledFor has passed, ordered
// by schedule time.
func (q *FallbackQueue) Due() []FallbackEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due, rest []FallbackEntry
	for _, e := range q.entries {
		if !e.ScheduledFor.After(now) {
			due = append(due, e)
		} else {
			rest = append(rest, e)
		}
	}
	q.entries = rest

	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	return due
}

// Len returns the number of pending entries.
func (q *FallbackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
