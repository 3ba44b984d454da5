package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

const (
	contextKeyTenant      = "tenant_id"
	contextKeyCorrelation = "correlation_id"
	contextKeyActor       = "actor"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// correlationID propagates the caller's X-Correlation-Id or assigns one, so
// every event and executor command hanging off a request shares a thread.
func correlationID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := c.Request().Header.Get("X-Correlation-Id")
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(contextKeyCorrelation, id)
			c.Response().Header().Set("X-Correlation-Id", id)
			return next(c)
		}
	}
}

// rateLimit denies requests over the per-source token bucket. Inbound call
// sites deny rather than wait; the client gets a retryAfter hint.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if !s.limiter.Allow(clientKey(c)) {
				envelope := contracts.NewErrorEnvelope(
					contracts.CodeRateLimitExceeded, "rate limit exceeded")
				envelope.Error.RetryAfter = s.limiter.RetryAfter()
				return c.JSON(http.StatusTooManyRequests, envelope)
			}
			return next(c)
		}
	}
}

// clientKey identifies the request source for rate limiting: the first
// X-Forwarded-For hop behind a proxy, else "local".
func clientKey(c *echo.Context) string {
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return "local"
}

// serviceAuth gates the /v1 API: bearer token in constant time, then a
// required tenant header that scopes every downstream query.
func (s *Server) serviceAuth() echo.MiddlewareFunc {
	token := []byte(s.cfg.ServiceToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			bearer, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(bearer), token) != 1 {
				return c.JSON(http.StatusUnauthorized,
					contracts.NewErrorEnvelope(contracts.CodeUnauthorized, "invalid or missing bearer token"))
			}

			tenant := c.Request().Header.Get("X-Tenant-Id")
			if tenant == "" {
				return c.JSON(http.StatusBadRequest,
					contracts.NewErrorEnvelope(contracts.CodeTenantHeaderRequired, "X-Tenant-Id header is required"))
			}
			c.Set(contextKeyTenant, tenant)
			c.Set(contextKeyActor, "api-client")
			return next(c)
		}
	}
}

// adminAuth gates the /v1/admin group with the opaque bearer tokens issued by
// POST /v1/admin/auth/token. Failed attempts are audited; the token's
// username becomes the acting identity on overrides.
func (s *Server) adminAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			bearer, _ := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			username, ok := s.adminTokens.Lookup(bearer)
			if !ok {
				if tenant := c.Request().Header.Get("X-Tenant-Id"); tenant != "" {
					_ = s.audit.Record(c.Request().Context(), &models.AuditEntry{
						TenantID: tenant,
						Action:   "auth.admin_failed",
					})
				}
				return c.JSON(http.StatusUnauthorized,
					contracts.NewErrorEnvelope(contracts.CodeUnauthorized, "admin token missing, invalid, or expired"))
			}

			tenant := c.Request().Header.Get("X-Tenant-Id")
			if tenant == "" {
				return c.JSON(http.StatusBadRequest,
					contracts.NewErrorEnvelope(contracts.CodeTenantHeaderRequired, "X-Tenant-Id header is required"))
			}
			c.Set(contextKeyTenant, tenant)
			c.Set(contextKeyActor, username)
			return next(c)
		}
	}
}

func tenantFrom(c *echo.Context) string {
	if v, ok := c.Get(contextKeyTenant).(string); ok {
		return v
	}
	return ""
}

func correlationFrom(c *echo.Context) string {
	if v, ok := c.Get(contextKeyCorrelation).(string); ok {
		return v
	}
	return ""
}

func actorFrom(c *echo.Context) string {
	if v, ok := c.Get(contextKeyActor).(string); ok {
		return v
	}
	return "api-client"
}
