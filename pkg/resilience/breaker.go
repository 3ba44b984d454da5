// Package resilience provides the outbound-call protection primitives shared
// by the integration adapters and the Executor: circuit breakers, token
// buckets, retry policies, the customer message cap, and the fallback queue.
//
// All state is per-process. Multi-instance deployments need a shared backing
// store for breakers and limiters; that is a deployment-profile concern, not
// handled here.
package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aro-automation/aro/pkg/fsjson"
)

// BreakerConfig parameterizes one provider-domain circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the count of consecutive failures that trips
	// CLOSED -> OPEN.
	FailureThreshold int
	// SuccessThreshold is the count of consecutive trial successes in
	// HALF_OPEN that restores CLOSED.
	SuccessThreshold int
	// Timeout is how long the breaker stays OPEN before allowing trials.
	Timeout time.Duration
	// MonitoringPeriod is the rolling window over which failure counts are
	// accumulated while CLOSED.
	MonitoringPeriod time.Duration
	// StateFile, when non-empty, persists state changes so a restart can
	// warn about a previously open circuit.
	StateFile string
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

// OpenError is returned when a call fails fast because the circuit is OPEN.
type OpenError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open, retry after %s", e.Domain, e.RetryAfter.Round(time.Second))
}

// Breaker wraps a sony/gobreaker circuit breaker with the retryAfter contract
// the error envelope needs.
type Breaker struct {
	domain string
	cfg    BreakerConfig
	cb     *gobreaker.CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

type persistedBreakerState struct {
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

// NewBreaker constructs a breaker for one provider domain
// (messaging, booking, payment).
func NewBreaker(domain string, cfg BreakerConfig) *Breaker {
	b := &Breaker{domain: domain, cfg: cfg}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        domain,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Interval:    cfg.MonitoringPeriod,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"domain", name, "from", from.String(), "to", to.String())
			b.recordStateChange(to)
		},
	})

	// A persisted OPEN/HALF_OPEN state from a previous run cannot be restored
	// into the underlying breaker; surface it so operators know trial traffic
	// will flow immediately.
	if cfg.StateFile != "" {
		var prev persistedBreakerState
		if found, err := fsjson.Load(cfg.StateFile, &prev); err == nil && found && prev.State != gobreaker.StateClosed.String() {
			slog.Warn("Circuit breaker restarting after non-closed persisted state",
				"domain", domain, "persisted_state", prev.State, "changed_at", prev.ChangedAt)
		}
	}

	return b
}

func (b *Breaker) recordStateChange(to gobreaker.State) {
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.openedAt = time.Now()
	}
	b.mu.Unlock()

	if b.cfg.StateFile != "" {
		if err := fsjson.Save(b.cfg.StateFile, persistedBreakerState{
			State:     to.String(),
			ChangedAt: time.Now(),
		}); err != nil {
			slog.Warn("Failed to persist circuit breaker state",
				"domain", b.domain, "error", err)
		}
	}
}

// Execute runs fn through the breaker. When the circuit is OPEN the call
// fails fast with *OpenError carrying the remaining cool-down.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &OpenError{Domain: b.domain, RetryAfter: b.retryAfter()}
	}
	return err
}

// State returns the breaker's current state name (closed, half-open, open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return b.cfg.Timeout
	}
	remaining := b.cfg.Timeout - time.Since(b.openedAt)
	if remaining < time.Second {
		remaining = time.Second
	}
	return remaining
}

// BreakerSet holds one breaker per provider domain.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set; breakers are created on first use with
// the given defaults.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a provider domain, creating it if needed.
func (s *BreakerSet) For(domain string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[domain]; ok {
		return b
	}
	b := NewBreaker(domain, s.cfg)
	s.breakers[domain] = b
	return b
}
