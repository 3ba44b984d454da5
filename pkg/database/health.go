package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the readiness snapshot for the shared connection pool: a ping
// round-trip plus the pool counters that show saturation before it turns into
// request latency.
type PoolHealth struct {
	Status       string        `json:"status"`
	PingDuration time.Duration `json:"ping_ms"`

	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	MaxOpenConns    int   `json:"max_open_conns"`
	WaitCount       int64 `json:"wait_count"`
	WaitDuration    int64 `json:"wait_duration_ms"`
}

// Health pings the database and reports pool statistics. On a failed ping the
// snapshot still carries the round-trip time alongside the error.
func Health(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return &PoolHealth{
			Status:       "unhealthy",
			PingDuration: time.Since(start),
		}, err
	}

	stats := db.Stats()
	return &PoolHealth{
		Status:          "healthy",
		PingDuration:    time.Since(start),
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		MaxOpenConns:    stats.MaxOpenConnections,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration.Milliseconds(),
	}, nil
}
