package models

import "time"

// Consent records messaging consent per phone and customer. Outbound
// messaging fails closed when consent is absent or an opt-out is recorded.
type Consent struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	CustomerID  string     `json:"customer_id,omitempty"`
	Phone       string     `json:"phone"`
	Granted     bool       `json:"granted"`
	GrantedAt   *time.Time `json:"granted_at,omitempty"`
	GrantMethod string     `json:"grant_method,omitempty"`
	OptedOutAt  *time.Time `json:"opted_out_at,omitempty"`
	IPAddress   string     `json:"ip_address,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Current reports whether outbound messaging to this phone is permitted
// right now: consent granted and no opt-out recorded.
func (c *Consent) Current() bool {
	return c != nil && c.Granted && c.OptedOutAt == nil
}

// AuditEntry is one element of the append-only, hash-chained audit log.
// Hash covers the entry without its own hash, concatenated with the previous
// entry's hash.
type AuditEntry struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	Subject   string         `json:"subject,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}
