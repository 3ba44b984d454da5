package resilience

import (
	"sync"
	"time"
)

// MessageCap enforces the per-customer outbound message ceiling, independent
// of API rate limits: at most Max sends per phone within a rolling Window.
// Hits are dropped by the caller, audit-logged, and optionally escalated to
// an admin.
type MessageCap struct {
	max    int
	window time.Duration

	mu    sync.Mutex
	sends map[string][]time.Time
	now   func() time.Time
}

// NewMessageCap creates a cap of max sends per window per key.
func NewMessageCap(max int, window time.Duration) *MessageCap {
	return &MessageCap{
		max:    max,
		window: window,
		sends:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// DefaultMessageCap caps automated sends at 3 per customer per rolling 24 h.
func DefaultMessageCap() *MessageCap {
	return NewMessageCap(3, 24*time.Hour)
}

// Allow records a send for phone if the rolling window has room and reports
// whether the send may proceed. A denied call records nothing.
func (c *MessageCap) Allow(phone string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cutoff := now.Add(-c.window)

	recent := c.sends[phone][:0]
	for _, t := range c.sends[phone] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= c.max {
		c.sends[phone] = recent
		return false
	}

	c.sends[phone] = append(recent, now)
	return true
}

// Count returns the number of sends for phone within the current window.
func (c *MessageCap) Count(phone string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-c.window)
	n := 0
	for _, t := range c.sends[phone] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
