package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/resilience"
	"github.com/aro-automation/aro/pkg/services"
	"github.com/aro-automation/aro/pkg/workflow"
)

// writeServiceError maps domain errors onto the stable error envelope. Every
// handler funnels failures through here so clients can branch on error.code.
func writeServiceError(c *echo.Context, err error) error {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, validErr.Error()))
	}

	var transErr *workflow.TransitionError
	if errors.As(err, &transErr) {
		return c.JSON(http.StatusConflict,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, transErr.Error()))
	}

	var openErr *resilience.OpenError
	if errors.As(err, &openErr) {
		envelope := contracts.NewErrorEnvelope(contracts.CodeCircuitBreakerOpen,
			"provider circuit is open: "+openErr.Domain)
		envelope.Error.RetryAfter = int(openErr.RetryAfter.Seconds())
		return c.JSON(http.StatusServiceUnavailable, envelope)
	}

	if isGuardrailViolation(err) {
		return c.JSON(http.StatusForbidden,
			contracts.NewErrorEnvelope(contracts.CodeCommandNotAllowed, err.Error()))
	}

	if errors.Is(err, services.ErrNotFound) {
		return c.JSON(http.StatusNotFound,
			contracts.NewErrorEnvelope(contracts.CodeNotFound, "resource not found"))
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return c.JSON(http.StatusConflict,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "resource already exists"))
	}

	slog.Error("Unexpected service error", "error", err)
	return c.JSON(http.StatusInternalServerError,
		contracts.NewErrorEnvelope(contracts.CodeInternalError, "internal server error"))
}

func isGuardrailViolation(err error) bool {
	return errors.Is(err, guardrails.ErrAutoCancellation) ||
		errors.Is(err, guardrails.ErrAutoPayment) ||
		errors.Is(err, guardrails.ErrMessageCapHit) ||
		errors.Is(err, guardrails.ErrPHIDetected) ||
		errors.Is(err, guardrails.ErrConsentAbsent)
}
