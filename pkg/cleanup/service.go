// Package cleanup provides data retention and maintenance loops.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// IdempotencyPurger removes expired idempotency keys.
type IdempotencyPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// DeadLetterArchiver archives dead letters past their retention age.
type DeadLetterArchiver interface {
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// RiskRecomputer recomputes risk scores for all of a tenant's customers.
type RiskRecomputer interface {
	RecomputeAllRisk(ctx context.Context, tenantID string) (int, error)
}

// Config controls the maintenance cadence.
type Config struct {
	// Interval between maintenance passes.
	Interval time.Duration
	// DeadLetterMaxAge is how long unarchived dead letters are kept.
	DeadLetterMaxAge time.Duration
	// RiskSweepInterval is how often the per-tenant risk recompute runs.
	RiskSweepInterval time.Duration
	// Tenants to sweep during risk recomputation.
	Tenants []string
}

// DefaultConfig returns the standard maintenance cadence.
func DefaultConfig(tenants []string) Config {
	return Config{
		Interval:          1 * time.Hour,
		DeadLetterMaxAge:  30 * 24 * time.Hour,
		RiskSweepInterval: 24 * time.Hour,
		Tenants:           tenants,
	}
}

// Service periodically enforces retention policies:
//   - Purges expired idempotency keys
//   - Archives old dead letters
//   - Recomputes customer risk scores once a day
//
// All operations are idempotent and safe to run from multiple instances.
type Service struct {
	cfg         Config
	idempotency IdempotencyPurger
	deadLetters DeadLetterArchiver
	risk        RiskRecomputer

	lastRiskSweep time.Time
	cancel        context.CancelFunc
	done          chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg Config, idempotency IdempotencyPurger, deadLetters DeadLetterArchiver, risk RiskRecomputer) *Service {
	return &Service{
		cfg:         cfg,
		idempotency: idempotency,
		deadLetters: deadLetters,
		risk:        risk,
	}
}

// Start launches the background maintenance loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"interval", s.cfg.Interval,
		"dead_letter_max_age", s.cfg.DeadLetterMaxAge,
		"risk_sweep_interval", s.cfg.RiskSweepInterval)
}

// Stop signals the maintenance loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunAll(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunAll(ctx)
		}
	}
}

// RunAll performs one maintenance pass. Exported so operators can trigger a
// pass out of band.
func (s *Service) RunAll(ctx context.Context) {
	s.purgeIdempotencyKeys(ctx)
	s.archiveDeadLetters(ctx)
	s.sweepRiskScores(ctx)
}

func (s *Service) purgeIdempotencyKeys(ctx context.Context) {
	count, err := s.idempotency.PurgeExpired(ctx)
	if err != nil {
		slog.Error("Retention: idempotency purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged expired idempotency keys", "count", count)
	}
}

func (s *Service) archiveDeadLetters(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.DeadLetterMaxAge)
	count, err := s.deadLetters.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: dead letter archival failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: archived old dead letters", "count", count)
	}
}

func (s *Service) sweepRiskScores(ctx context.Context) {
	now := time.Now().UTC()
	if now.Sub(s.lastRiskSweep) < s.cfg.RiskSweepInterval {
		return
	}
	s.lastRiskSweep = now

	for _, tenant := range s.cfg.Tenants {
		count, err := s.risk.RecomputeAllRisk(ctx, tenant)
		if err != nil {
			slog.Error("Retention: risk recompute failed", "tenant_id", tenant, "error", err)
			continue
		}
		if count > 0 {
			slog.Info("Retention: recomputed risk scores", "tenant_id", tenant, "count", count)
		}
	}
}
