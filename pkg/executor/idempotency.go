package executor

import (
	"sync"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/fsjson"
)

// IdempotencyStore is the persistent executionId → result map. A replayed
// executionId returns the stored result without touching the runtime, which
// is what makes Core-side dispatch retries safe.
type IdempotencyStore struct {
	path string

	mu      sync.Mutex
	results map[string]*contracts.ExecutorResultEvent
}

// NewIdempotencyStore opens the store at path, loading any previous state.
func NewIdempotencyStore(path string) (*IdempotencyStore, error) {
	s := &IdempotencyStore{
		path:    path,
		results: make(map[string]*contracts.ExecutorResultEvent),
	}
	if _, err := fsjson.Load(path, &s.results); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup returns the stored result for executionID, if any.
func (s *IdempotencyStore) Lookup(executionID string) (*contracts.ExecutorResultEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.results[executionID]
	return ev, ok
}

// Store records the result for executionID and persists the map.
func (s *IdempotencyStore) Store(executionID string, ev *contracts.ExecutorResultEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[executionID] = ev
	return fsjson.Save(s.path, s.results)
}

// Len reports how many executions are remembered.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}
