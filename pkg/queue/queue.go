// Package queue implements the durable async command queue between the Core
// Engine and the Executor: a file-backed FIFO plus the dispatch worker that
// drains it with retries and a dead-letter path.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/fsjson"
)

// ErrQueueEmpty is returned when no entry is due for dispatch.
var ErrQueueEmpty = errors.New("no commands due")

// Entry is one queued command. Attempts counts dispatch attempts already
// made; ScheduledFor delays retries.
type Entry struct {
	Command      contracts.ExecutorCommand `json:"command"`
	Attempts     int                       `json:"attempts"`
	EnqueuedAt   time.Time                 `json:"enqueuedAt"`
	ScheduledFor time.Time                 `json:"scheduledFor"`
}

// CommandQueue is a file-backed FIFO. Every mutation is persisted atomically
// before returning, so a crash never loses an accepted command.
type CommandQueue struct {
	path string

	mu      sync.Mutex
	entries []Entry
}

// NewCommandQueue opens (or creates) the queue file at path.
func NewCommandQueue(path string) (*CommandQueue, error) {
	q := &CommandQueue{path: path}
	if _, err := fsjson.Load(path, &q.entries); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue appends a command, due immediately.
func (q *CommandQueue) Enqueue(cmd contracts.ExecutorCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	q.entries = append(q.entries, Entry{
		Command:      cmd,
		EnqueuedAt:   now,
		ScheduledFor: now,
	})
	return q.persist()
}

// Dequeue removes and returns the oldest entry that is due. Entries still in
// their backoff window are skipped without disturbing FIFO order for the rest.
func (q *CommandQueue) Dequeue(now time.Time) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.ScheduledFor.After(now) {
			continue
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		if err := q.persist(); err != nil {
			return Entry{}, err
		}
		return e, nil
	}
	return Entry{}, ErrQueueEmpty
}

// Requeue puts a failed entry back with its attempt count bumped and a new
// due time. The entry returns to its original enqueue position, so once its
// backoff window passes it dispatches before anything enqueued after it.
func (q *CommandQueue) Requeue(e Entry, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.Attempts++
	e.ScheduledFor = retryAt.UTC()

	at := len(q.entries)
	for i, cur := range q.entries {
		if cur.EnqueuedAt.After(e.EnqueuedAt) {
			at = i
			break
		}
	}
	q.entries = append(q.entries[:at], append([]Entry{e}, q.entries[at:]...)...)
	return q.persist()
}

// Len reports the number of queued entries, due or not.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Snapshot returns a copy of the queue contents for the admin view.
func (q *CommandQueue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *CommandQueue) persist() error {
	return fsjson.Save(q.path, q.entries)
}
