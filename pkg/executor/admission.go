package executor

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/resilience"
)

// Refusal is a failed admission check: the HTTP status to return and the
// error envelope explaining it. A nil Refusal means the command is admitted.
type Refusal struct {
	Status   int
	Envelope *contracts.ErrorEnvelope
}

func refuse(status int, code, message string) *Refusal {
	return &Refusal{Status: status, Envelope: contracts.NewErrorEnvelope(code, message)}
}

// Admission runs the ordered checks every execution request must pass. The
// order is part of the contract: authentication first, then tenant identity,
// then rate, then permission scope. Checks are independent of the command's
// payload, so a refusal leaves no trace in the outbox or idempotency store.
type Admission struct {
	token           []byte
	allowedTenants  map[string]struct{}
	allowedCommands map[string]struct{}
	manifestVersion string
	limiter         *resilience.KeyedLimiter
}

// NewAdmission builds the admission ladder from config.
func NewAdmission(cfg *Config) *Admission {
	a := &Admission{
		token:           []byte(cfg.SharedToken),
		allowedTenants:  make(map[string]struct{}, len(cfg.AllowedTenants)),
		allowedCommands: make(map[string]struct{}, len(cfg.AllowedCommands)),
		manifestVersion: cfg.ManifestVersion,
		limiter: resilience.NewKeyedLimiter(resilience.BucketConfig{
			Requests: cfg.TenantRatePerMinute,
			Period:   time.Minute,
		}),
	}
	for _, t := range cfg.AllowedTenants {
		a.allowedTenants[t] = struct{}{}
	}
	for _, c := range cfg.AllowedCommands {
		a.allowedCommands[c] = struct{}{}
	}
	return a
}

// CheckAuth verifies the bearer token in constant time. It runs before the
// body is even decoded so unauthenticated callers learn nothing about the
// request schema.
func (a *Admission) CheckAuth(authorization string) *Refusal {
	bearer, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(bearer), a.token) != 1 {
		return refuse(http.StatusUnauthorized, contracts.CodeUnauthorized, "invalid or missing bearer token")
	}
	return nil
}

// CheckCommand runs the remaining ladder steps against the decoded command:
// tenant header, tenant allow-list, per-tenant rate, manifest version,
// command allow-list. The first failing step wins.
func (a *Admission) CheckCommand(tenantHeader string, cmd *contracts.ExecutorCommand) *Refusal {
	if tenantHeader == "" {
		return refuse(http.StatusBadRequest, contracts.CodeTenantHeaderRequired, "X-Tenant-Id header is required")
	}
	if tenantHeader != cmd.TenantID {
		return refuse(http.StatusBadRequest, contracts.CodeTenantMismatch, "X-Tenant-Id does not match command tenantId")
	}
	if _, ok := a.allowedTenants[cmd.TenantID]; !ok {
		return refuse(http.StatusForbidden, contracts.CodeTenantNotAllowed, "tenant is not allow-listed for this executor")
	}
	if !a.limiter.Allow(cmd.TenantID) {
		r := refuse(http.StatusTooManyRequests, contracts.CodeTenantRateLimitExceeded, "tenant rate limit exceeded")
		r.Envelope.Error.RetryAfter = a.limiter.RetryAfter()
		return r
	}
	if cmd.PermissionManifestVersion != a.manifestVersion {
		return refuse(http.StatusBadRequest, contracts.CodeManifestVersionMismatch,
			"command cites permission manifest version "+cmd.PermissionManifestVersion+", executor runs "+a.manifestVersion)
	}
	if _, ok := a.allowedCommands[cmd.CommandType]; !ok {
		return refuse(http.StatusForbidden, contracts.CodeCommandNotAllowed, "command type is not allow-listed: "+cmd.CommandType)
	}
	return nil
}
