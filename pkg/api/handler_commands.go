package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/services"
)

// CoreCommandTransition is the only command type executed synchronously in
// Core; everything under integration.* routes to the Executor queue.
const CoreCommandTransition = "core.appointment.transition"

// CommandAcceptedResponse is the 202 body of POST /v1/commands.
// DispatchStatus is set for integration commands, which are queued for the
// dispatch worker rather than executed inline.
type CommandAcceptedResponse struct {
	ExecutionID    string `json:"executionId"`
	EventID        string `json:"eventId"`
	Status         string `json:"status"`
	DispatchStatus string `json:"dispatchStatus,omitempty"`
}

// submitCommandHandler handles POST /v1/commands.
//
// Integration commands are accepted, durably queued, and dispatched
// asynchronously; the 202 response only promises the command will reach the
// Executor at least once. Every request must carry an Idempotency-Key header
// so retries of the whole request are safe: the stored first response is
// replayed verbatim.
func (s *Server) submitCommandHandler(c *echo.Context) error {
	tenantID := tenantFrom(c)
	ctx := c.Request().Context()

	var req contracts.CommandEnvelope
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "request body is not a valid command envelope"))
	}
	if err := req.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, err.Error()))
	}

	idemKey := strings.TrimSpace(c.Request().Header.Get("Idempotency-Key"))
	if idemKey == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "Idempotency-Key header is required"))
	}
	stored, err := s.replays.Lookup(ctx, tenantID, idemKey)
	if err == nil {
		return c.JSON(http.StatusAccepted, stored)
	}
	if !errors.Is(err, services.ErrNotFound) {
		return writeServiceError(c, err)
	}

	userConfirmed, _ := req.Payload["userConfirmed"].(bool)
	if err := s.guard.CheckCommand(tenantID, req.CommandType, actorFrom(c), userConfirmed); err != nil {
		return writeServiceError(c, err)
	}

	executionID := uuid.NewString()
	dispatchStatus := ""

	switch {
	case strings.HasPrefix(req.CommandType, contracts.IntegrationCommandPrefix):
		cmd := contracts.ExecutorCommand{
			ExecutionID:               executionID,
			TenantID:                  tenantID,
			CorrelationID:             correlationFrom(c),
			CommandType:               req.CommandType,
			AuthorizedByCore:          true,
			PermissionManifestVersion: s.cfg.PermissionManifestVersion,
			Payload:                   req.Payload,
		}
		if err := s.queue.Enqueue(cmd); err != nil {
			return writeServiceError(c, err)
		}
		dispatchStatus = "enqueued"
	case req.CommandType == CoreCommandTransition:
		if err := s.runTransitionCommand(c, req.Payload); err != nil {
			return writeServiceError(c, err)
		}
	default:
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeCommandNotAllowed, "unknown command type: "+req.CommandType))
	}

	evt := &events.StoredEvent{
		EventID:       uuid.NewString(),
		TenantID:      tenantID,
		EventType:     contracts.EventTypeCommandAccepted,
		AggregateType: "command",
		AggregateID:   executionID,
		CorrelationID: correlationFrom(c),
		Payload: map[string]any{
			"commandType": req.CommandType,
			"executionId": executionID,
		},
	}
	if _, err := s.publisher.Publish(ctx, evt); err != nil {
		return writeServiceError(c, err)
	}

	resp := &CommandAcceptedResponse{
		ExecutionID:    executionID,
		EventID:        evt.EventID,
		Status:         "accepted",
		DispatchStatus: dispatchStatus,
	}
	if raw, err := json.Marshal(resp); err == nil {
		if storeErr := s.replays.Store(ctx, tenantID, idemKey, raw); storeErr != nil {
			return writeServiceError(c, storeErr)
		}
	}
	return c.JSON(http.StatusAccepted, resp)
}

// runTransitionCommand executes the synchronous appointment transition
// command. The payload names the appointment, target status, and optionally
// an actor; the actor defaults to the authenticated API client.
func (s *Server) runTransitionCommand(c *echo.Context, payload map[string]any) error {
	appointmentID, _ := payload["appointmentId"].(string)
	target, _ := payload["to"].(string)
	if appointmentID == "" || target == "" {
		return services.NewValidationError("payload", "appointmentId and to are required")
	}
	actor := actorFrom(c)
	if a, ok := payload["actor"].(string); ok && a != "" {
		actor = a
	}

	_, err := s.transitionAppointment(c.Request().Context(), appointmentID,
		models.AppointmentStatus(target), actor)
	return err
}
