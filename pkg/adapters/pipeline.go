package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/aro-automation/aro/pkg/resilience"
)

// defaultProviderTimeout bounds every outbound provider call.
const defaultProviderTimeout = 5 * time.Second

// Pipeline composes the resilience stack every outbound provider call goes
// through: token bucket (wait) -> circuit breaker -> retry with jitter ->
// the adapter's call.
type Pipeline struct {
	Limiter *resilience.KeyedLimiter
	Breaker *resilience.Breaker
	Retry   resilience.RetryConfig
	Timeout time.Duration
}

// NewPipeline builds a pipeline for one provider domain with sane defaults.
func NewPipeline(domain string, breakers *resilience.BreakerSet, bucket resilience.BucketConfig) *Pipeline {
	return &Pipeline{
		Limiter: resilience.NewKeyedLimiter(bucket),
		Breaker: breakers.For(domain),
		Retry:   resilience.DefaultRetryConfig(),
		Timeout: defaultProviderTimeout,
	}
}

// Do runs call through the pipeline. Outbound call sites wait for a token
// rather than failing fast; circuit-open and retry exhaustion are returned
// to the caller for fallback handling.
func (p *Pipeline) Do(ctx context.Context, key string, call func(ctx context.Context) error) error {
	if err := p.Limiter.Wait(ctx, key); err != nil {
		return fmt.Errorf("waiting for provider rate limit: %w", err)
	}

	return p.Breaker.Execute(func() error {
		return resilience.Retry(ctx, p.Retry, func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
			defer cancel()
			return call(callCtx)
		})
	})
}
