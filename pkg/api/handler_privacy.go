package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

// ConsentGrantRequest is the body of POST /v1/privacy/consent.
type ConsentGrantRequest struct {
	CustomerID string `json:"customerId"`
	Phone      string `json:"phone"`
	Method     string `json:"method"`
	IPAddress  string `json:"ipAddress"`
}

// OptOutRequest is the body of POST /v1/privacy/opt-out.
type OptOutRequest struct {
	Phone string `json:"phone"`
}

// grantConsentHandler handles POST /v1/privacy/consent.
func (s *Server) grantConsentHandler(c *echo.Context) error {
	var req ConsentGrantRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "request body is not a valid consent grant"))
	}
	if req.Phone == "" || req.Method == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "phone and method are required"))
	}

	ctx := c.Request().Context()
	tenantID := tenantFrom(c)
	consent, err := s.consents.Grant(ctx, tenantID, req.CustomerID, req.Phone, req.Method, req.IPAddress)
	if err != nil {
		return writeServiceError(c, err)
	}

	if auditErr := s.audit.Record(ctx, &models.AuditEntry{
		TenantID: tenantID,
		Action:   "privacy.consent_granted",
		Actor:    actorFrom(c),
		Subject:  req.Phone,
		Detail:   map[string]any{"method": req.Method},
	}); auditErr != nil {
		return writeServiceError(c, auditErr)
	}
	return c.JSON(http.StatusCreated, consent)
}

// optOutHandler handles POST /v1/privacy/opt-out.
func (s *Server) optOutHandler(c *echo.Context) error {
	var req OptOutRequest
	if err := c.Bind(&req); err != nil || req.Phone == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "phone is required"))
	}

	ctx := c.Request().Context()
	tenantID := tenantFrom(c)
	if err := s.consents.OptOut(ctx, tenantID, req.Phone); err != nil {
		return writeServiceError(c, err)
	}

	if auditErr := s.audit.Record(ctx, &models.AuditEntry{
		TenantID: tenantID,
		Action:   "privacy.opt_out",
		Actor:    actorFrom(c),
		Subject:  req.Phone,
	}); auditErr != nil {
		return writeServiceError(c, auditErr)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "opted_out"})
}

// exportPrivacyHandler handles GET /v1/privacy/export/:id. The path parameter
// is the data subject's phone number; the privacy service records the export
// in the audit chain itself.
func (s *Server) exportPrivacyHandler(c *echo.Context) error {
	subject := c.Param("id")
	export, err := s.privacy.Export(c.Request().Context(), tenantFrom(c), subject)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, export)
}

// deletePrivacyHandler handles DELETE /v1/privacy/delete/:id. Erasure
// cascades through customer, appointments, and consents; the audit entry is
// recorded by the privacy service with identifiers redacted.
func (s *Server) deletePrivacyHandler(c *echo.Context) error {
	subject := c.Param("id")
	if err := s.privacy.Erase(c.Request().Context(), tenantFrom(c), subject); err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "erased"})
}
