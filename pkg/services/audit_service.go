package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aro-automation/aro/pkg/models"
)

// GenesisHash anchors the first entry of each tenant's audit chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditService maintains the append-only, hash-chained audit log. Each
// entry's hash covers its own content plus the previous entry's hash, so any
// retroactive edit breaks verification from that point forward.
type AuditService struct {
	db *sql.DB
}

// NewAuditService creates an AuditService.
func NewAuditService(db *sql.DB) *AuditService {
	return &AuditService{db: db}
}

// Record appends one audit entry, linking it to the tenant's chain head. The
// insert serializes per tenant via the row lock on the previous head.
func (s *AuditService) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prevHash := GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT hash FROM audit_log WHERE tenant_id = $1 ORDER BY id DESC LIMIT 1 FOR UPDATE`,
		entry.TenantID).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load audit chain head: %w", err)
	}

	entry.PrevHash = prevHash
	entry.Hash = ChainHash(entry)

	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to marshal audit detail: %w", err)
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO audit_log (tenant_id, action, actor, subject, detail, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		entry.TenantID, entry.Action, entry.Actor, nullIfEmpty(entry.Subject),
		detailJSON, entry.CreatedAt, entry.PrevHash, entry.Hash,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit entry: %w", err)
	}
	return nil
}

// RecordViolation satisfies the guardrails audit interface. Violations are
// best-effort: a failed write is logged, never propagated into the guarded
// call path.
func (s *AuditService) RecordViolation(tenantID, rule, detail string) {
	err := s.Record(context.Background(), &models.AuditEntry{
		TenantID: tenantID,
		Action:   "guardrail." + rule,
		Actor:    "system",
		Detail:   map[string]any{"detail": detail},
	})
	if err != nil {
		slog.Error("Failed to record guardrail violation",
			"tenant_id", tenantID, "rule", rule, "error", err)
	}
}

// List returns audit entries for a tenant in chain order.
func (s *AuditService) List(ctx context.Context, tenantID string, afterID int64, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, action, actor, subject, detail, created_at, prev_hash, hash
		FROM audit_log WHERE tenant_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		tenantID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditEntry
	for rows.Next() {
		var (
			e          models.AuditEntry
			subject    sql.NullString
			detailJSON []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Action, &e.Actor, &subject,
			&detailJSON, &e.CreatedAt, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Subject = subject.String
		if len(detailJSON) > 0 {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Verify walks a tenant's full chain and reports the first broken link, if
// any. Returns the number of entries checked.
func (s *AuditService) Verify(ctx context.Context, tenantID string) (int, error) {
	checked := 0
	prevHash := GenesisHash
	afterID := int64(0)

	for {
		entries, err := s.List(ctx, tenantID, afterID, 500)
		if err != nil {
			return checked, err
		}
		if len(entries) == 0 {
			return checked, nil
		}
		for _, e := range entries {
			if err := VerifyEntry(e, prevHash); err != nil {
				return checked, err
			}
			prevHash = e.Hash
			afterID = e.ID
			checked++
		}
	}
}

// ChainHash computes sha256 over the entry's canonical content concatenated
// with the previous hash. The entry's own Hash field is excluded.
func ChainHash(e *models.AuditEntry) string {
	detail := canonicalDetail(e.Detail)
	content := strings.Join([]string{
		e.TenantID,
		e.Action,
		e.Actor,
		e.Subject,
		detail,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PrevHash,
	}, "\x1f")
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// VerifyEntry checks one entry against the expected previous hash.
func VerifyEntry(e *models.AuditEntry, expectedPrev string) error {
	if e.PrevHash != expectedPrev {
		return fmt.Errorf("%w: entry %d prev_hash mismatch", ErrChainBroken, e.ID)
	}
	if ChainHash(e) != e.Hash {
		return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, e.ID)
	}
	return nil
}

// canonicalDetail renders the detail map with sorted keys so hashing is
// stable across map iteration order.
func canonicalDetail(detail map[string]any) string {
	if len(detail) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(detail))
	for k := range detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		vb, _ := json.Marshal(detail[k])
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}
