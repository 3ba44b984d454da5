package adapters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerifyHMAC(t *testing.T) {
	secret := []byte("wh-secret")
	body := []byte(`{"event":"invitee.created"}`)
	sig := ComputeHMAC(secret, body)

	t.Run("valid signature accepted", func(t *testing.T) {
		assert.True(t, VerifyHMAC(secret, body, sig))
	})

	t.Run("sha256 prefix accepted", func(t *testing.T) {
		assert.True(t, VerifyHMAC(secret, body, "sha256="+sig))
	})

	t.Run("single byte mutation rejected", func(t *testing.T) {
		mutated := []byte(sig)
		if mutated[0] == 'a' {
			mutated[0] = 'b'
		} else {
			mutated[0] = 'a'
		}
		assert.False(t, VerifyHMAC(secret, body, string(mutated)))
	})

	t.Run("body mutation rejected", func(t *testing.T) {
		tampered := append([]byte(nil), body...)
		tampered[len(tampered)-2] ^= 0x01
		assert.False(t, VerifyHMAC(secret, tampered, sig))
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		assert.False(t, VerifyHMAC([]byte("other"), body, sig))
	})

	t.Run("missing signature rejected", func(t *testing.T) {
		assert.False(t, VerifyHMAC(secret, body, ""))
	})

	t.Run("non-hex signature rejected", func(t *testing.T) {
		assert.False(t, VerifyHMAC(secret, body, "not-hex!"))
	})
}

func TestIdempotencyKey(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 32, 11, 0, time.UTC)

	t.Run("provider event id wins", func(t *testing.T) {
		key := IdempotencyKey("calendly", "evt_123", map[string]any{"a": 1}, now)
		assert.Equal(t, "calendly:evt_123", key)
	})

	t.Run("fallback is deterministic within bucket", func(t *testing.T) {
		payload := map[string]any{"from": "+15551234567", "body": "YES"}
		k1 := IdempotencyKey("twilio", "", payload, now)
		k2 := IdempotencyKey("twilio", "", payload, now.Add(2*time.Minute))
		assert.Equal(t, k1, k2, "same payload in same 5m bucket must dedupe")
	})

	t.Run("fallback differs across buckets", func(t *testing.T) {
		payload := map[string]any{"from": "+15551234567", "body": "YES"}
		k1 := IdempotencyKey("twilio", "", payload, now)
		k2 := IdempotencyKey("twilio", "", payload, now.Add(10*time.Minute))
		assert.NotEqual(t, k1, k2)
	})

	t.Run("fallback insensitive to key order", func(t *testing.T) {
		// Maps iterate in random order; canonicalization must hide that.
		payload := map[string]any{"z": "last", "a": "first", "m": map[string]any{"b": 2, "a": 1}}
		k1 := IdempotencyKey("stripe", "", payload, now)
		k2 := IdempotencyKey("stripe", "", payload, now)
		assert.Equal(t, k1, k2)
	})

	t.Run("different payloads differ", func(t *testing.T) {
		k1 := IdempotencyKey("twilio", "", map[string]any{"body": "YES"}, now)
		k2 := IdempotencyKey("twilio", "", map[string]any{"body": "NO"}, now)
		assert.NotEqual(t, k1, k2)
	})
}

func TestCanonicalJSON(t *testing.T) {
	out := canonicalJSON(map[string]any{
		"b": []any{1, "two", map[string]any{"y": true, "x": nil}},
		"a": "v",
	})
	assert.Equal(t, `{"a":"v","b":[1,"two",{"x":null,"y":true}]}`, out)
}
