package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

// AdminLoginRequest is the body of POST /v1/admin/auth/token.
type AdminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TransitionRequest is the body of POST /v1/admin/appointments/:id/transition.
type TransitionRequest struct {
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// Manual override actions.
const (
	OverrideMarkConfirmed = "mark_confirmed"
	OverrideMarkCancelled = "mark_cancelled"
	OverrideRetryWorkflow = "retry_workflow"
)

// ManualOverrideRequest is the body of POST /v1/admin/manual-overrides.
type ManualOverrideRequest struct {
	Action        string `json:"action"`
	AppointmentID string `json:"appointmentId"`
	Reason        string `json:"reason"`
}

// EraseRequest is the body of POST /v1/admin/privacy/erase.
type EraseRequest struct {
	Phone string `json:"phone"`
}

// adminLoginHandler handles POST /v1/admin/auth/token. Credentials are
// checked in constant time; a success mints an expiring opaque bearer token.
func (s *Server) adminLoginHandler(c *echo.Context) error {
	var req AdminLoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "username and password are required"))
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPassword)) == 1
	if !userOK || !passOK {
		if tenant := c.Request().Header.Get("X-Tenant-Id"); tenant != "" {
			_ = s.audit.Record(c.Request().Context(), &models.AuditEntry{
				TenantID: tenant,
				Action:   "auth.admin_failed",
				Actor:    req.Username,
			})
		}
		return c.JSON(http.StatusUnauthorized,
			contracts.NewErrorEnvelope(contracts.CodeUnauthorized, "invalid admin credentials"))
	}

	token, expiresAt, err := s.adminTokens.Issue(req.Username)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": expiresAt,
	})
}

// manualOverrideHandler handles POST /v1/admin/manual-overrides. Overrides
// move appointments only through valid transitions and always append an
// audit entry naming the admin and their stated reason.
func (s *Server) manualOverrideHandler(c *echo.Context) error {
	var req ManualOverrideRequest
	if err := c.Bind(&req); err != nil || req.AppointmentID == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "action and appointmentId are required"))
	}

	ctx := c.Request().Context()
	var result any
	var err error
	switch req.Action {
	case OverrideMarkConfirmed:
		result, err = s.transitionAppointment(ctx, req.AppointmentID, models.AppointmentConfirmed, actorFrom(c))
	case OverrideMarkCancelled:
		result, err = s.transitionAppointment(ctx, req.AppointmentID, models.AppointmentCancelled, actorFrom(c))
	case OverrideRetryWorkflow:
		result, err = s.workflows.RetryForAppointment(ctx, tenantFrom(c), req.AppointmentID)
	default:
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "unknown override action: "+req.Action))
	}
	if err != nil {
		return writeServiceError(c, err)
	}

	if auditErr := s.audit.Record(ctx, &models.AuditEntry{
		TenantID: tenantFrom(c),
		Action:   "admin.manual_override",
		Actor:    actorFrom(c),
		Subject:  req.AppointmentID,
		Detail: map[string]any{
			"action": req.Action,
			"reason": req.Reason,
		},
	}); auditErr != nil {
		return writeServiceError(c, auditErr)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "applied", "result": result})
}

// listAuditHandler handles GET /v1/admin/audit/logs with afterId/limit
// paging. The response carries the chain verification verdict alongside the
// entries, so tampering is visible on every read.
func (s *Server) listAuditHandler(c *echo.Context) error {
	var afterID int64
	if v := c.QueryParam("afterId"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest,
				contracts.NewErrorEnvelope(contracts.CodeValidationError, "afterId must be an integer"))
		}
		afterID = parsed
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return c.JSON(http.StatusBadRequest,
				contracts.NewErrorEnvelope(contracts.CodeValidationError, "limit must be a positive integer"))
		}
		limit = parsed
	}

	ctx := c.Request().Context()
	entries, err := s.audit.List(ctx, tenantFrom(c), afterID, limit)
	if err != nil {
		return writeServiceError(c, err)
	}

	checked, verifyErr := s.audit.Verify(ctx, tenantFrom(c))
	integrity := map[string]any{"valid": verifyErr == nil, "entriesChecked": checked}
	if verifyErr != nil {
		integrity["error"] = verifyErr.Error()
	}
	return c.JSON(http.StatusOK, map[string]any{
		"entries":   entries,
		"integrity": integrity,
	})
}

// verifyAuditHandler handles POST /v1/admin/audit/verify: it walks the
// tenant's hash chain end to end and reports how many entries checked out.
func (s *Server) verifyAuditHandler(c *echo.Context) error {
	checked, err := s.audit.Verify(c.Request().Context(), tenantFrom(c))
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"valid":          false,
			"entriesChecked": checked,
			"error":          err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"valid":          true,
		"entriesChecked": checked,
	})
}

// listDeadLettersHandler handles GET /v1/admin/deadletters.
func (s *Server) listDeadLettersHandler(c *echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	letters, err := s.deadLetters.ListActive(c.Request().Context(), tenantFrom(c), limit)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deadLetters": letters})
}

// archiveDeadLetterHandler handles POST /v1/admin/deadletters/:id/archive.
func (s *Server) archiveDeadLetterHandler(c *echo.Context) error {
	if err := s.deadLetters.Archive(c.Request().Context(), c.Param("id")); err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "archived"})
}

// queueSnapshotHandler handles GET /v1/admin/queue: the pending command
// entries plus the dispatch worker's counters.
func (s *Server) queueSnapshotHandler(c *echo.Context) error {
	resp := map[string]any{"entries": s.queue.Snapshot()}
	if s.worker != nil {
		resp["worker"] = s.worker.Health()
	}
	return c.JSON(http.StatusOK, resp)
}

// overrideTransitionHandler handles POST /v1/admin/appointments/:id/transition.
// Manual overrides bypass no state-machine rules; they only substitute the
// admin for the customer as the acting party, and every override is audited.
func (s *Server) overrideTransitionHandler(c *echo.Context) error {
	var req TransitionRequest
	if err := c.Bind(&req); err != nil || req.To == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "to is required"))
	}

	ctx := c.Request().Context()
	appointmentID := c.Param("id")
	appt, err := s.transitionAppointment(ctx, appointmentID,
		models.AppointmentStatus(req.To), actorFrom(c))
	if err != nil {
		return writeServiceError(c, err)
	}

	if auditErr := s.audit.Record(ctx, &models.AuditEntry{
		TenantID: tenantFrom(c),
		Action:   "appointment.manual_override",
		Actor:    actorFrom(c),
		Subject:  appointmentID,
		Detail: map[string]any{
			"to":     req.To,
			"reason": req.Reason,
		},
	}); auditErr != nil {
		return writeServiceError(c, auditErr)
	}
	return c.JSON(http.StatusOK, appt)
}

// privacyExportHandler handles GET /v1/admin/privacy/export?phone=.
func (s *Server) privacyExportHandler(c *echo.Context) error {
	phone := c.QueryParam("phone")
	if phone == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "phone query parameter is required"))
	}
	export, err := s.privacy.Export(c.Request().Context(), tenantFrom(c), phone)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, export)
}

// privacyEraseHandler handles POST /v1/admin/privacy/erase. Erasure is
// irreversible; the audit chain keeps a record of the erasure itself.
func (s *Server) privacyEraseHandler(c *echo.Context) error {
	var req EraseRequest
	if err := c.Bind(&req); err != nil || req.Phone == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "phone is required"))
	}
	if err := s.privacy.Erase(c.Request().Context(), tenantFrom(c), req.Phone); err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "erased"})
}
