package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultIdempotencyTTL is how long a stored command response remains
// replayable. Callers may configure a longer window, never a shorter one.
const DefaultIdempotencyTTL = 72 * time.Hour

// IdempotencyService stores command responses keyed by the caller's
// Idempotency-Key header, so replays return the original response instead of
// re-executing the command.
type IdempotencyService struct {
	db  *sql.DB
	ttl time.Duration
}

// NewIdempotencyService creates an IdempotencyService.
func NewIdempotencyService(db *sql.DB, ttl time.Duration) *IdempotencyService {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &IdempotencyService{db: db, ttl: ttl}
}

// Lookup returns the stored response for a key, or ErrNotFound when the key
// is unknown or expired.
func (s *IdempotencyService) Lookup(ctx context.Context, tenantID, key string) (json.RawMessage, error) {
	var response []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT response FROM idempotency_keys
		WHERE key = $1 AND tenant_id = $2 AND expires_at > now()`,
		key, tenantID).Scan(&response)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return response, nil
}

// Store saves a response under a key. A concurrent duplicate insert keeps the
// first response; the loser's write is silently absorbed.
func (s *IdempotencyService) Store(ctx context.Context, tenantID, key string, response json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, tenant_id, response, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, tenantID, []byte(response), time.Now().UTC().Add(s.ttl))
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

// PurgeExpired removes expired keys; used by the maintenance pass. Returns
// the number purged.
func (s *IdempotencyService) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge idempotency keys: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
