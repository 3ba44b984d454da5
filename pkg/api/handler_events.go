package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
)

// EventPage is the response body of GET /v1/events.
type EventPage struct {
	Events     []EventItem `json:"events"`
	NextCursor string      `json:"nextCursor"`
}

// EventItem is a stored event plus its opaque replay cursor.
type EventItem struct {
	*events.StoredEvent
	ReplayCursor string `json:"replayCursor"`
}

// listEventsHandler handles GET /v1/events: tenant-scoped, cursor-paginated
// reads over the canonical event log. Clients resume with nextCursor.
func (s *Server) listEventsHandler(c *echo.Context) error {
	cursorParam := c.QueryParam("after")
	if cursorParam == "" {
		cursorParam = c.QueryParam("cursor")
	}
	after, err := events.ParseCursor(cursorParam)
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "after must be an opaque cursor previously returned as nextCursor"))
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest,
				contracts.NewErrorEnvelope(contracts.CodeValidationError, "limit must be an integer"))
		}
	}

	filter := events.ListFilter{
		TenantID:      tenantFrom(c),
		EventType:     c.QueryParam("eventType"),
		AggregateType: c.QueryParam("aggregateType"),
		AggregateID:   c.QueryParam("aggregateId"),
		AfterCursor:   after,
		Limit:         events.ClampLimit(limit),
	}

	// A projection name resolves to the event types the tenant's profile pack
	// declared for it.
	if name := c.QueryParam("projection"); name != "" {
		types, ok := s.projectionEventTypes(tenantFrom(c), name)
		if !ok {
			return c.JSON(http.StatusBadRequest,
				contracts.NewErrorEnvelope(contracts.CodeValidationError, "unknown projection: "+name))
		}
		filter.EventTypes = types
	}

	list, nextCursor, err := s.eventLog.List(c.Request().Context(), filter)
	if err != nil {
		return writeServiceError(c, err)
	}

	page := &EventPage{
		Events:     make([]EventItem, 0, len(list)),
		NextCursor: nextCursor,
	}
	for _, evt := range list {
		page.Events = append(page.Events, EventItem{StoredEvent: evt, ReplayCursor: evt.Cursor()})
	}
	return c.JSON(http.StatusOK, page)
}

// projectionEventTypes looks up a named event projection in the tenant's
// profile pack.
func (s *Server) projectionEventTypes(tenantID, name string) ([]string, bool) {
	profile := s.profileFor(tenantID)
	if profile == nil {
		return nil, false
	}
	for _, proj := range profile.EventProjections {
		if proj.Name == name {
			return proj.EventTypes, true
		}
	}
	return nil, false
}
