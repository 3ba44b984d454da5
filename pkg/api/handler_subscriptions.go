package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
)

// CreateSubscriptionRequest is the body of POST /v1/subscriptions.
type CreateSubscriptionRequest struct {
	CallbackURL string   `json:"callbackUrl"`
	EventTypes  []string `json:"eventTypes"`
	Secret      string   `json:"secret"`
}

// ReplayRequest is the body of POST /v1/subscriptions/:id/replay.
type ReplayRequest struct {
	FromCursor string `json:"fromCursor"`
	EventType  string `json:"eventType,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ReplayResponse reports how far a replay got.
type ReplayResponse struct {
	Delivered  int    `json:"delivered"`
	NextCursor string `json:"nextCursor"`
}

// createSubscriptionHandler handles POST /v1/subscriptions.
func (s *Server) createSubscriptionHandler(c *echo.Context) error {
	var req CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "invalid subscription body"))
	}

	sub := &events.Subscription{
		TenantID:    tenantFrom(c),
		CallbackURL: req.CallbackURL,
		EventTypes:  req.EventTypes,
		Secret:      req.Secret,
		Active:      true,
	}
	if err := s.subscriptions.Create(c.Request().Context(), sub); err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

// listSubscriptionsHandler handles GET /v1/subscriptions.
func (s *Server) listSubscriptionsHandler(c *echo.Context) error {
	subs, err := s.subscriptions.ListByTenant(c.Request().Context(), tenantFrom(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"subscriptions": subs})
}

// deleteSubscriptionHandler handles DELETE /v1/subscriptions/:id.
func (s *Server) deleteSubscriptionHandler(c *echo.Context) error {
	if err := s.subscriptions.Delete(c.Request().Context(), tenantFrom(c), c.Param("id")); err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}

// reactivateSubscriptionHandler handles POST /v1/subscriptions/:id/reactivate,
// resetting the failure count after a subscriber recovers.
func (s *Server) reactivateSubscriptionHandler(c *echo.Context) error {
	if err := s.subscriptions.Reactivate(c.Request().Context(), tenantFrom(c), c.Param("id")); err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "active"})
}

// replaySubscriptionHandler handles POST /v1/subscriptions/:id/replay. It
// re-delivers stored events after a cursor to the subscription's callback,
// synchronously, and stops at the first delivery failure so the caller can
// resume from nextCursor.
func (s *Server) replaySubscriptionHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	tenantID := tenantFrom(c)

	var req ReplayRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "invalid replay body"))
	}
	after, err := events.ParseCursor(req.FromCursor)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "fromCursor must be an integer cursor value"))
	}

	sub, err := s.subscriptions.ByID(ctx, tenantID, c.Param("id"))
	if err != nil {
		return writeServiceError(c, err)
	}

	list, nextCursor, err := s.eventLog.List(ctx, events.ListFilter{
		TenantID:    tenantID,
		EventType:   req.EventType,
		AfterCursor: after,
		Limit:       events.ClampLimit(req.Limit),
	})
	if err != nil {
		return writeServiceError(c, err)
	}

	resp := &ReplayResponse{NextCursor: req.FromCursor}
	for _, evt := range list {
		if !sub.Matches(evt.EventType) {
			resp.NextCursor = evt.Cursor()
			continue
		}
		if err := s.deliverer.Deliver(ctx, sub, evt); err != nil {
			return c.JSON(http.StatusOK, resp)
		}
		resp.Delivered++
		resp.NextCursor = evt.Cursor()
	}
	if len(list) > 0 {
		resp.NextCursor = nextCursor
	}
	return c.JSON(http.StatusOK, resp)
}
