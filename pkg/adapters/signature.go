package adapters

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// coarseBucket is the timestamp granularity used when deriving idempotency
// keys for providers that send no event id: deliveries of the same payload
// within the same bucket dedupe to one key.
const coarseBucket = 5 * time.Minute

// ComputeHMAC returns the hex HMAC-SHA256 of rawBody under secret.
func ComputeHMAC(secret, rawBody []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex-encoded HMAC-SHA256 signature over rawBody with a
// timing-safe comparison. Missing or malformed signatures fail.
func VerifyHMAC(secret, rawBody []byte, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected, err := hex.DecodeString(signature)
	if err != nil || len(expected) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), expected)
}

// IdempotencyKey derives the inbound dedupe key for a webhook delivery:
// the provider's event id when present, otherwise
// sha256(source || canonicalPayload || coarseTimestamp).
func IdempotencyKey(source, providerEventID string, payload map[string]any, receivedAt time.Time) string {
	if providerEventID != "" {
		return source + ":" + providerEventID
	}

	canonical := canonicalJSON(payload)
	bucket := receivedAt.UTC().Truncate(coarseBucket).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(source + canonical + bucket))
	return source + ":" + hex.EncodeToString(sum[:])
}

// canonicalJSON renders payload with sorted keys so equal payloads always
// produce equal bytes.
func canonicalJSON(v map[string]any) string {
	keys := make([]string, 0, len(v))
	for k := range v {
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
		b.WriteString(canonicalValue(v[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func canonicalValue(v any) string {
	switch t := v.(type) {
	case map[string]any:
		return canonicalJSON(t)
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = canonicalValue(e)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%q", fmt.Sprint(t))
		}
		return string(b)
	}
}
