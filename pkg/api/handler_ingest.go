package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/workflow"
)

// BookingIngestRequest is the body of POST /v1/webhooks/booking, the
// service-authenticated ingestion path for callers that already speak the
// normalized booking shape (as opposed to the per-provider HMAC webhooks).
type BookingIngestRequest struct {
	ExternalID      string    `json:"externalId"`
	CustomerPhone   string    `json:"customerPhone"`
	CustomerEmail   string    `json:"customerEmail"`
	CustomerName    string    `json:"customerName"`
	AppointmentDate time.Time `json:"appointmentDate"`
	Timezone        string    `json:"timezone"`
	ServiceType     string    `json:"serviceType"`
	DurationMinutes int       `json:"durationMinutes"`
}

// DispatchedCommand describes one command the ingestion produced.
type DispatchedCommand struct {
	CommandType    string `json:"commandType"`
	DispatchStatus string `json:"dispatchStatus"`
}

// BookingIngestResponse is the 202 body of POST /v1/webhooks/booking.
type BookingIngestResponse struct {
	Appointment        *models.Appointment       `json:"appointment"`
	Reminders          workflow.ReminderSchedule `json:"reminders"`
	DispatchedCommands []DispatchedCommand       `json:"dispatchedCommands"`
}

// InboundReplyRequest is the body of POST /v1/webhooks/inbound-reply.
type InboundReplyRequest struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	MessageID string `json:"messageId"`
}

// InboundReplyResponse is the 200 body of POST /v1/webhooks/inbound-reply.
// Intent is empty when the reply was a duplicate or a carrier keyword.
type InboundReplyResponse struct {
	Status string `json:"status"`
	Intent string `json:"intent,omitempty"`
}

// bookingIngestHandler handles POST /v1/webhooks/booking. The flow is the
// same as a provider booking webhook; the response additionally carries the
// appointment, its reminder schedule, and any commands dispatched.
func (s *Server) bookingIngestHandler(c *echo.Context) error {
	var req BookingIngestRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "request body is not a valid booking"))
	}
	if req.ExternalID == "" || req.CustomerPhone == "" || req.ServiceType == "" || req.AppointmentDate.IsZero() {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError,
				"externalId, customerPhone, serviceType, and appointmentDate are required"))
	}
	if !req.AppointmentDate.After(time.Now()) {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "appointmentDate must be in the future"))
	}

	evt := &adapters.NormalizedEvent{
		Source:          "api",
		ProviderEventID: req.ExternalID,
		IdempotencyKey:  "booking:" + req.ExternalID,
		EventKind:       "booking.created",
		OccurredAt:      time.Now().UTC(),
		Booking: &adapters.BookingDetails{
			ExternalID:      req.ExternalID,
			CustomerPhone:   req.CustomerPhone,
			CustomerEmail:   req.CustomerEmail,
			CustomerName:    req.CustomerName,
			AppointmentDate: req.AppointmentDate,
			Timezone:        req.Timezone,
			ServiceType:     req.ServiceType,
			DurationMinutes: req.DurationMinutes,
		},
	}

	appt, smsQueued, err := s.handleBookingEvent(c, tenantFrom(c), evt)
	if err != nil {
		return writeServiceError(c, err)
	}

	resp := &BookingIngestResponse{
		Appointment:        appt,
		Reminders:          workflow.ComputeReminderSchedule(appt.ScheduledAt),
		DispatchedCommands: []DispatchedCommand{},
	}
	if smsQueued {
		resp.DispatchedCommands = append(resp.DispatchedCommands, DispatchedCommand{
			CommandType:    contracts.CommandSendSMS,
			DispatchStatus: "enqueued",
		})
	}
	return c.JSON(http.StatusAccepted, resp)
}

// inboundReplyIngestHandler handles POST /v1/webhooks/inbound-reply. The
// reply is classified synchronously because the intent drives the next
// appointment transition before any follow-up command is enqueued.
func (s *Server) inboundReplyIngestHandler(c *echo.Context) error {
	var req InboundReplyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "request body is not a valid reply"))
	}
	if req.From == "" || req.Text == "" {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "from and text are required"))
	}
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}

	evt := &adapters.NormalizedEvent{
		Source:          "api",
		ProviderEventID: req.MessageID,
		IdempotencyKey:  "reply:" + req.MessageID,
		EventKind:       "message.received",
		OccurredAt:      time.Now().UTC(),
		Message: &adapters.MessageDetails{
			From:      req.From,
			Body:      req.Text,
			MessageID: req.MessageID,
		},
	}

	intent, err := s.handleMessageEvent(c, tenantFrom(c), evt)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, &InboundReplyResponse{
		Status: "accepted",
		Intent: string(intent),
	})
}
