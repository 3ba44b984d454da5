package executor

import (
	"sync"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/fsjson"
)

// Outbox is the durable record of every result event the Executor has
// produced. Append happens BEFORE the HTTP response is written: once Core
// sees a result, that result is already on disk. When the outbox exceeds
// maxEvents the oldest entries are compacted away; the idempotency store
// keeps replay working for entries that have aged out.
type Outbox struct {
	path string
	max  int

	mu     sync.Mutex
	events []*contracts.ExecutorResultEvent
}

// NewOutbox opens the outbox at path, loading any previous events.
// maxEvents <= 0 means unbounded.
func NewOutbox(path string, maxEvents int) (*Outbox, error) {
	o := &Outbox{path: path, max: maxEvents}
	if _, err := fsjson.Load(path, &o.events); err != nil {
		return nil, err
	}
	return o, nil
}

// Append adds ev and persists the outbox, compacting if over the bound.
func (o *Outbox) Append(ev *contracts.ExecutorResultEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.events = append(o.events, ev)
	if o.max > 0 && len(o.events) > o.max {
		o.events = o.events[len(o.events)-o.max:]
	}
	return fsjson.Save(o.path, o.events)
}

// Events returns a snapshot of the outbox in append order.
func (o *Outbox) Events() []*contracts.ExecutorResultEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*contracts.ExecutorResultEvent, len(o.events))
	copy(out, o.events)
	return out
}

// Len reports the number of retained events.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}
