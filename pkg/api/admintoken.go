package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const adminTokenTTL = 1 * time.Hour

// adminTokenTable holds issued admin bearer tokens in memory. Tokens are
// opaque and expire; a restart invalidates all of them, which is acceptable
// for an operator-facing surface.
type adminTokenTable struct {
	mu     sync.Mutex
	tokens map[string]adminSession
	now    func() time.Time
}

type adminSession struct {
	username  string
	expiresAt time.Time
}

func newAdminTokenTable() *adminTokenTable {
	return &adminTokenTable{
		tokens: make(map[string]adminSession),
		now:    time.Now,
	}
}

// Issue mints a fresh token for username, pruning expired entries while it
// holds the lock.
func (t *adminTokenTable) Issue(username string) (token string, expiresAt time.Time, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate admin token: %w", err)
	}
	token = hex.EncodeToString(raw)

	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, s := range t.tokens {
		if now.After(s.expiresAt) {
			delete(t.tokens, k)
		}
	}
	expiresAt = now.Add(adminTokenTTL)
	t.tokens[token] = adminSession{username: username, expiresAt: expiresAt}
	return token, expiresAt, nil
}

// Lookup resolves a presented token to its username, or ok=false when the
// token is unknown or expired.
func (t *adminTokenTable) Lookup(token string) (username string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, found := t.tokens[token]
	if !found || t.now().After(s.expiresAt) {
		return "", false
	}
	return s.username, true
}
