package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryStrategy selects how delays grow between attempts.
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryConfig parameterizes retry behavior for one provider family.
type RetryConfig struct {
	MaxAttempts  int
	Strategy     RetryStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RetryableErrors, when non-empty, restricts retries to errors matching
	// one of these sentinels via errors.Is. Empty means all errors retry.
	RetryableErrors []error
}

// DefaultRetryConfig returns the built-in retry defaults for outbound
// provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		Strategy:     RetryExponential,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
	}
}

// Permanent marks err as non-retryable regardless of the retry config.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op up to cfg.MaxAttempts times, sleeping between attempts per
// the configured strategy with uniform jitter in [0, 0.1*delay]. Honors ctx
// cancellation during sleeps.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}
		if !cfg.retryable(err) {
			return err
		}

		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.delayFor(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}

func (c RetryConfig) retryable(err error) bool {
	if len(c.RetryableErrors) == 0 {
		return true
	}
	for _, target := range c.RetryableErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// delayFor computes the pre-jitter delay for a completed attempt number
// (1-based), then adds uniform jitter in [0, 0.1*delay].
func (c RetryConfig) delayFor(attempt int) time.Duration {
	var d time.Duration
	switch c.Strategy {
	case RetryFixed:
		d = c.InitialDelay
	case RetryLinear:
		d = c.InitialDelay * time.Duration(attempt)
	default: // exponential
		d = c.InitialDelay << (attempt - 1)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return Jitter(d)
}

// Jitter adds uniform jitter in [0, 0.1*d] to d.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(d)/10+1))
}

// Backoff computes the dispatch-worker retry delay for the given attempt
// count: exponential from base, capped, jittered.
func Backoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > cap || d <= 0 {
		d = cap
	}
	return Jitter(d)
}
