package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

func chainFixture(t *testing.T) []*models.AuditEntry {
	t.Helper()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	entries := []*models.AuditEntry{
		{ID: 1, TenantID: "t1", Action: "appointment.confirmed", Actor: "system",
			Subject: "apt-1", Detail: map[string]any{"intent": "confirm"}, CreatedAt: base},
		{ID: 2, TenantID: "t1", Action: "guardrail.message_cap", Actor: "system",
			Subject: "apt-1", CreatedAt: base.Add(time.Minute)},
		{ID: 3, TenantID: "t1", Action: "privacy.export", Actor: "admin",
			Subject: "cust-1", CreatedAt: base.Add(2 * time.Minute)},
	}

	prev := GenesisHash
	for _, e := range entries {
		e.PrevHash = prev
		e.Hash = ChainHash(e)
		prev = e.Hash
	}
	return entries
}

func verifyChain(entries []*models.AuditEntry) error {
	prev := GenesisHash
	for _, e := range entries {
		if err := VerifyEntry(e, prev); err != nil {
			return err
		}
		prev = e.Hash
	}
	return nil
}

func TestAuditChainVerifies(t *testing.T) {
	require.NoError(t, verifyChain(chainFixture(t)))
}

func TestAuditChainDetectsContentTampering(t *testing.T) {
	entries := chainFixture(t)
	entries[1].Actor = "attacker"

	err := verifyChain(entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "entry 2")
}

func TestAuditChainDetectsDetailTampering(t *testing.T) {
	entries := chainFixture(t)
	entries[0].Detail["intent"] = "cancel"

	assert.ErrorIs(t, verifyChain(entries), ErrChainBroken)
}

func TestAuditChainDetectsRemovedEntry(t *testing.T) {
	entries := chainFixture(t)
	// Drop the middle entry; the third's prev_hash no longer lines up.
	spliced := []*models.AuditEntry{entries[0], entries[2]}

	err := verifyChain(spliced)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
	assert.Contains(t, err.Error(), "prev_hash mismatch")
}

func TestChainHashStableAcrossDetailKeyOrder(t *testing.T) {
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	a := &models.AuditEntry{TenantID: "t1", Action: "x", Actor: "system",
		Detail: map[string]any{"b": 2, "a": 1}, CreatedAt: base, PrevHash: GenesisHash}
	b := &models.AuditEntry{TenantID: "t1", Action: "x", Actor: "system",
		Detail: map[string]any{"a": 1, "b": 2}, CreatedAt: base, PrevHash: GenesisHash}

	assert.Equal(t, ChainHash(a), ChainHash(b))
}

func TestTombstonePhone(t *testing.T) {
	p1 := tombstonePhone("5f2d9a3e-0000-0000-0000-000000000001")
	p2 := tombstonePhone("5f2d9a3e-0000-0000-0000-000000000002")

	assert.True(t, contracts.ValidatePhone(p1), "tombstone must stay E.164-shaped")
	assert.NotEqual(t, p1, p2)
	assert.Equal(t, p1, tombstonePhone("5f2d9a3e-0000-0000-0000-000000000001"), "must be deterministic")
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("phone", "must be E.164")
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), "phone")
	assert.False(t, IsValidationError(ErrNotFound))
}
