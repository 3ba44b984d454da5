package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxKeyedLimiters bounds the limiter map so hostile key churn (spoofed
// X-Forwarded-For values, unknown tenants) cannot grow memory without bound.
// Eviction is oldest-first.
const maxKeyedLimiters = 10_000

// BucketConfig parameterizes a token bucket: Requests tokens refill per
// Period, capped at Requests+Burst.
type BucketConfig struct {
	Requests int
	Period   time.Duration
	Burst    int
}

// Limit converts the config to a rate.Limit.
func (c BucketConfig) Limit() rate.Limit {
	if c.Period <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(c.Requests) / c.Period.Seconds())
}

func (c BucketConfig) capacity() int {
	return c.Requests + c.Burst
}

// KeyedLimiter maintains one token bucket per key (source IP, tenant id,
// customer phone). Inbound call sites use Allow (deny on exceed); outbound
// call sites use Wait (block until a token is available or ctx is done).
type KeyedLimiter struct {
	cfg BucketConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	order    []string // insertion/use order for oldest-first eviction
}

// NewKeyedLimiter creates a keyed limiter with the given bucket parameters.
func NewKeyedLimiter(cfg BucketConfig) *KeyedLimiter {
	return &KeyedLimiter{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request for key is admitted right now.
func (l *KeyedLimiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Wait blocks until a token for key is available or ctx is done.
func (l *KeyedLimiter) Wait(ctx context.Context, key string) error {
	return l.limiterFor(key).Wait(ctx)
}

// RetryAfter is the suggested client wait on denial, in whole seconds.
func (l *KeyedLimiter) RetryAfter() int {
	return int(l.cfg.Period.Seconds())
}

func (l *KeyedLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[key]; ok {
		l.touch(key)
		return lim
	}

	if len(l.limiters) >= maxKeyedLimiters {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.limiters, oldest)
	}

	lim := rate.NewLimiter(l.cfg.Limit(), l.cfg.capacity())
	l.limiters[key] = lim
	l.order = append(l.order, key)
	return lim
}

func (l *KeyedLimiter) touch(key string) {
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	l.order = append(l.order, key)
}
