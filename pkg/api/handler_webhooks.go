package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/config"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/services"
	"github.com/aro-automation/aro/pkg/workflow"
)

// signatureHeaders names the HTTP header each provider signs its webhook
// deliveries with.
var signatureHeaders = map[string]string{
	"calendly": "Calendly-Webhook-Signature",
	"twilio":   "X-Twilio-Signature",
	"stripe":   "Stripe-Signature",
}

const maxWebhookBody = 1 << 20 // 1 MiB

// webhookHandler handles POST /v1/webhooks/:tenant/:provider. Providers
// authenticate with their webhook HMAC, not the service token; the tenant
// comes from the URL the provider was configured with.
func (s *Server) webhookHandler(c *echo.Context) error {
	tenantID := c.Param("tenant")
	adapter, ok := s.adapters[c.Param("provider")]
	if !ok {
		return c.JSON(http.StatusNotFound,
			contracts.NewErrorEnvelope(contracts.CodeNotFound, "unknown webhook provider"))
	}

	rawBody, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "failed to read webhook body"))
	}

	signature := c.Request().Header.Get(signatureHeaders[adapter.Name()])
	evt, err := adapter.HandleWebhook(rawBody, signature)
	if err != nil {
		if errors.Is(err, adapters.ErrBadSignature) {
			return c.JSON(http.StatusUnauthorized,
				contracts.NewErrorEnvelope(contracts.CodeUnauthorized, "webhook signature verification failed"))
		}
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "unrecognized webhook payload"))
	}

	switch {
	case evt.Booking != nil:
		_, _, err = s.handleBookingEvent(c, tenantID, evt)
	case evt.Message != nil:
		_, err = s.handleMessageEvent(c, tenantID, evt)
	case evt.Payment != nil:
		err = s.handlePaymentEvent(c, tenantID, evt)
	default:
		// Provider noise (ping events, unsubscribed kinds): acknowledge so
		// the provider stops retrying.
		slog.Debug("Ignoring webhook with no actionable details",
			"provider", adapter.Name(), "event_kind", evt.EventKind, "tenant_id", tenantID)
	}
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
}

// handleBookingEvent upserts the customer and appointment, records the
// canonical booking.received event, and queues the confirmation SMS. A
// guardrail refusal suppresses the send but never the booking itself.
// Returns the appointment and whether a confirmation SMS was enqueued.
func (s *Server) handleBookingEvent(c *echo.Context, tenantID string, evt *adapters.NormalizedEvent) (*models.Appointment, bool, error) {
	ctx := c.Request().Context()
	b := evt.Booking

	customer, err := s.customers.UpsertByPhone(ctx, tenantID,
		b.CustomerPhone, b.CustomerEmail, b.CustomerName, b.Timezone)
	if err != nil {
		return nil, false, err
	}

	appt := &models.Appointment{
		TenantID:        tenantID,
		CustomerID:      customer.ID,
		ExternalID:      b.ExternalID,
		Provider:        evt.Source,
		ScheduledAt:     b.AppointmentDate.UTC(),
		Timezone:        b.Timezone,
		ServiceType:     b.ServiceType,
		DurationMinutes: b.DurationMinutes,
		Status:          models.AppointmentPendingConfirm,
	}

	// Tenant policy overrides the global deposit and supplies the business
	// timezone for message rendering.
	deposit := s.cfg.DepositAmount
	businessTZ := ""
	profile := s.profileFor(tenantID)
	if profile != nil {
		businessTZ = profile.Timezone
		if profile.Policies.DepositAmount > 0 {
			deposit = profile.Policies.DepositAmount
		}
	}

	s.customers.EnsureDepositRequirement(customer, appt, deposit)
	created, err := s.appointments.UpsertFromBooking(ctx, appt)
	if err != nil {
		return nil, false, err
	}

	stored := &events.StoredEvent{
		EventID:        uuid.NewString(),
		TenantID:       tenantID,
		EventType:      contracts.EventTypeBookingReceived,
		AggregateType:  "appointment",
		AggregateID:    appt.ID,
		CorrelationID:  correlationFrom(c),
		IdempotencyKey: evt.IdempotencyKey,
		OccurredAt:     evt.OccurredAt,
		Payload: map[string]any{
			"externalId":  b.ExternalID,
			"provider":    evt.Source,
			"customerId":  customer.ID,
			"scheduledAt": appt.ScheduledAt,
			"serviceType": b.ServiceType,
			"created":     created,
		},
	}
	if _, err := s.publisher.Publish(ctx, stored); err != nil {
		return nil, false, err
	}
	if !created {
		// Duplicate provider delivery: the appointment already exists and
		// its confirmation message is already on its way.
		return appt, false, nil
	}

	if err := s.workflows.Start(ctx, &models.WorkflowInstance{
		TenantID:      tenantID,
		WorkflowName:  "appointment_confirmation",
		AppointmentID: appt.ID,
		StateData:     map[string]any{"customerId": customer.ID},
	}); err != nil {
		// The booking stands even when the workflow record fails; the stuck
		// detector surfaces instances that never opened.
		slog.Error("Failed to start confirmation workflow", "appointment_id", appt.ID, "error", err)
	}

	body := s.confirmationBody(profile, customer, appt, businessTZ)
	queued := s.queueOutboundSMS(c, tenantID, customer.Phone, body, appt.ID)
	return appt, queued, nil
}

// confirmationBody renders the booking confirmation SMS from the tenant's
// booking_confirmation template when the pack carries one, otherwise from the
// built-in wording.
func (s *Server) confirmationBody(profile *config.Profile, customer *models.Customer, appt *models.Appointment, businessTZ string) string {
	loc := workflow.EffectiveLocation(appt, customer, businessTZ)
	when := appt.ScheduledAt.In(loc).Format("Mon Jan 2 at 3:04 PM")

	if profile != nil {
		if tmpl, ok := profile.Template("booking_confirmation"); ok {
			body := config.RenderTemplate(tmpl, map[string]string{
				"firstName":     firstName(customer.Name),
				"serviceType":   appt.ServiceType,
				"time":          when,
				"depositAmount": fmt.Sprintf("%.2f", appt.DepositAmount),
			})
			if appt.DepositRequired && !appt.DepositPaid && !strings.Contains(tmpl, "{depositAmount}") {
				body += fmt.Sprintf(" A $%.2f deposit is required to hold your spot.", appt.DepositAmount)
			}
			return body
		}
	}

	body := fmt.Sprintf("Hi %s! Your %s appointment is booked for %s. Reply YES to confirm, RESCHEDULE to pick a new time, or CANCEL.",
		firstName(customer.Name), appt.ServiceType, when)
	if appt.DepositRequired && !appt.DepositPaid {
		body += fmt.Sprintf(" A $%.2f deposit is required to hold your spot.", appt.DepositAmount)
	}
	return body
}

// profileFor returns the tenant's profile pack, or nil when none is loaded.
func (s *Server) profileFor(tenantID string) *config.Profile {
	if s.profiles == nil {
		return nil
	}
	p, ok := s.profiles.ByTenant(tenantID)
	if !ok {
		return nil
	}
	return p
}

// handleMessageEvent records the inbound reply, classifies intent, and drives
// the customer's most recent open appointment through the matching
// transition. The classified intent is returned so the direct ingestion
// endpoint can surface it; it is empty when the message was a duplicate or a
// carrier keyword.
func (s *Server) handleMessageEvent(c *echo.Context, tenantID string, evt *adapters.NormalizedEvent) (workflow.Intent, error) {
	ctx := c.Request().Context()
	m := evt.Message

	inbound := &events.StoredEvent{
		EventID:        uuid.NewString(),
		TenantID:       tenantID,
		EventType:      contracts.EventTypeInboundReply,
		AggregateType:  "message",
		AggregateID:    m.MessageID,
		CorrelationID:  correlationFrom(c),
		IdempotencyKey: evt.IdempotencyKey,
		OccurredAt:     evt.OccurredAt,
		Payload: map[string]any{
			"from": m.From,
			"body": m.Body,
		},
	}
	inserted, err := s.publisher.Publish(ctx, inbound)
	if err != nil {
		return "", err
	}
	if !inserted {
		// Duplicate provider delivery already processed.
		return "", nil
	}

	if handled, err := s.handleConsentKeyword(ctx, tenantID, m); handled || err != nil {
		return "", err
	}

	intent := s.classifyReply(c, tenantID, m)
	classified := &events.StoredEvent{
		EventID:       uuid.NewString(),
		TenantID:      tenantID,
		EventType:     contracts.EventTypeReplyClassified,
		AggregateType: "message",
		AggregateID:   m.MessageID,
		CorrelationID: correlationFrom(c),
		CausationID:   inbound.EventID,
		Payload: map[string]any{
			"from":   m.From,
			"intent": string(intent),
		},
	}
	if _, err := s.publisher.Publish(ctx, classified); err != nil {
		return intent, err
	}

	customer, err := s.customers.ByPhone(ctx, tenantID, m.From)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			slog.Info("Inbound reply from unknown number", "tenant_id", tenantID)
			return intent, nil
		}
		return intent, err
	}
	appt, err := s.openAppointmentFor(ctx, customer.ID)
	if err != nil || appt == nil {
		return intent, err
	}

	switch intent {
	case workflow.IntentConfirm:
		if _, err := s.transitionAppointment(ctx, appt.ID, models.AppointmentConfirmed, "customer"); err != nil {
			return intent, err
		}
		_, err = s.publisher.Publish(ctx, &events.StoredEvent{
			EventID:       uuid.NewString(),
			TenantID:      tenantID,
			EventType:     contracts.EventTypeAppointmentConfirmed,
			AggregateType: "appointment",
			AggregateID:   appt.ID,
			CorrelationID: correlationFrom(c),
			CausationID:   classified.EventID,
			Payload:       map[string]any{"customerId": customer.ID},
		})
		return intent, err
	case workflow.IntentReschedule:
		if _, err := s.customers.RecordReschedule(ctx, customer.ID); err != nil {
			return intent, err
		}
		cmd := contracts.ExecutorCommand{
			ExecutionID:               uuid.NewString(),
			TenantID:                  tenantID,
			CorrelationID:             correlationFrom(c),
			CommandType:               contracts.CommandRequestRescheduleLink,
			AuthorizedByCore:          true,
			PermissionManifestVersion: s.cfg.PermissionManifestVersion,
			Payload: map[string]any{
				"appointmentId": appt.ID,
				"phone":         customer.Phone,
			},
		}
		return intent, s.queue.Enqueue(cmd)
	case workflow.IntentCancel:
		if _, err := s.transitionAppointment(ctx, appt.ID, models.AppointmentCancelled, "customer"); err != nil {
			return intent, err
		}
		_, err = s.publisher.Publish(ctx, &events.StoredEvent{
			EventID:       uuid.NewString(),
			TenantID:      tenantID,
			EventType:     contracts.EventTypeCancelRequested,
			AggregateType: "appointment",
			AggregateID:   appt.ID,
			CorrelationID: correlationFrom(c),
			CausationID:   classified.EventID,
			Payload:       map[string]any{"customerId": customer.ID},
		})
		return intent, err
	default:
		// Unknown intent stays in the event log for a human to follow up.
		return intent, nil
	}
}

// handlePaymentEvent records the payment event and, when the provider
// metadata names an appointment, marks its deposit paid.
func (s *Server) handlePaymentEvent(c *echo.Context, tenantID string, evt *adapters.NormalizedEvent) error {
	ctx := c.Request().Context()
	p := evt.Payment

	stored := &events.StoredEvent{
		EventID:        uuid.NewString(),
		TenantID:       tenantID,
		EventType:      "payment." + p.Status,
		AggregateType:  "payment",
		AggregateID:    p.PaymentID,
		CorrelationID:  correlationFrom(c),
		IdempotencyKey: evt.IdempotencyKey,
		OccurredAt:     evt.OccurredAt,
		Payload: map[string]any{
			"amount":   p.Amount,
			"currency": p.Currency,
			"status":   p.Status,
		},
	}
	inserted, err := s.publisher.Publish(ctx, stored)
	if err != nil {
		return err
	}
	if !inserted || p.Status != "succeeded" {
		return nil
	}

	appointmentID := p.Metadata["appointmentId"]
	if appointmentID == "" {
		return nil
	}
	if err := s.appointments.MarkDepositPaid(ctx, appointmentID, p.PaymentID); err != nil {
		return err
	}
	appt, err := s.appointments.ByID(ctx, appointmentID)
	if err != nil {
		return err
	}
	_, err = s.customers.SetPaymentStatus(ctx, appt.CustomerID, models.PaymentStatusCurrent)
	return err
}

// classifyReply dispatches the classify-reply command to the Executor
// synchronously; the intent decides the appointment transition, so this is
// the one Executor call that cannot go through the async queue. When the
// Executor is unreachable or its result carries no intent, the keyword
// classifier takes over so replies keep flowing.
func (s *Server) classifyReply(c *echo.Context, tenantID string, m *adapters.MessageDetails) workflow.Intent {
	if s.classifier == nil {
		return workflow.ClassifyIntent(m.Body)
	}

	cmd := contracts.ExecutorCommand{
		ExecutionID:               uuid.NewString(),
		TenantID:                  tenantID,
		CorrelationID:             correlationFrom(c),
		CommandType:               contracts.CommandClassifyReply,
		AuthorizedByCore:          true,
		PermissionManifestVersion: s.cfg.PermissionManifestVersion,
		Payload: map[string]any{
			"from": m.From,
			"text": m.Body,
		},
	}
	result, err := s.classifier.Send(c.Request().Context(), cmd)
	if err != nil || result == nil || !result.Succeeded() {
		slog.Warn("Reply classification via Executor failed, using keyword classifier",
			"tenant_id", tenantID, "error", err)
		return workflow.ClassifyIntent(m.Body)
	}
	if intent := workflow.IntentFromPayload(result.Payload); intent != workflow.IntentUnknown {
		return intent
	}
	return workflow.ClassifyIntent(m.Body)
}

// transitionAppointment runs the status transition and, when it lands on a
// terminal status, folds the outcome into the customer's risk counters.
func (s *Server) transitionAppointment(ctx context.Context, id string, to models.AppointmentStatus, actor string) (*models.Appointment, error) {
	appt, err := s.appointments.Transition(ctx, id, to, actor)
	if err != nil {
		return nil, err
	}
	if appt.Status.IsTerminal() {
		if _, err := s.customers.RecordOutcome(ctx, appt.CustomerID,
			appt.Status, appt.Confirmed, appt.ServiceCost); err != nil {
			slog.Error("Failed to record appointment outcome",
				"customer_id", appt.CustomerID, "appointment_id", appt.ID, "error", err)
		}
	}
	return appt, nil
}

// handleConsentKeyword applies carrier keywords before any intent handling.
// STOP revokes consent; START re-grants it over the same channel.
func (s *Server) handleConsentKeyword(ctx context.Context, tenantID string, m *adapters.MessageDetails) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(m.Body)) {
	case "STOP", "STOPALL", "UNSUBSCRIBE":
		return true, s.consents.OptOut(ctx, tenantID, m.From)
	case "START", "UNSTOP":
		customer, err := s.customers.ByPhone(ctx, tenantID, m.From)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				return true, nil
			}
			return true, err
		}
		_, err = s.consents.Grant(ctx, tenantID, customer.ID, m.From, "sms_keyword", "")
		return true, err
	}
	return false, nil
}

// openAppointmentFor returns the customer's most recent non-terminal
// appointment, or nil when everything is settled.
func (s *Server) openAppointmentFor(ctx context.Context, customerID string) (*models.Appointment, error) {
	list, err := s.appointments.ListByCustomer(ctx, customerID, 10)
	if err != nil {
		return nil, err
	}
	for _, appt := range list {
		if !appt.Status.IsTerminal() {
			return appt, nil
		}
	}
	return nil, nil
}

// queueOutboundSMS runs the outbound guardrails and, when they pass, enqueues
// the send command. Violations are logged and audited by the guard itself.
// Reports whether the command was enqueued.
func (s *Server) queueOutboundSMS(c *echo.Context, tenantID, phone, body, appointmentID string) bool {
	if err := s.guard.CheckOutboundMessage(guardrails.OutboundMessage{
		TenantID: tenantID,
		Phone:    phone,
		Body:     body,
	}); err != nil {
		slog.Warn("Outbound message suppressed", "tenant_id", tenantID, "reason", err)
		return false
	}
	cmd := contracts.ExecutorCommand{
		ExecutionID:               uuid.NewString(),
		TenantID:                  tenantID,
		CorrelationID:             correlationFrom(c),
		CommandType:               contracts.CommandSendSMS,
		AuthorizedByCore:          true,
		PermissionManifestVersion: s.cfg.PermissionManifestVersion,
		Payload: map[string]any{
			"to":            phone,
			"body":          body,
			"appointmentId": appointmentID,
		},
	}
	if err := s.queue.Enqueue(cmd); err != nil {
		slog.Error("Failed to enqueue outbound message", "tenant_id", tenantID, "error", err)
		return false
	}
	return true
}

func firstName(full string) string {
	full = strings.TrimSpace(full)
	if full == "" {
		return "there"
	}
	if i := strings.IndexByte(full, ' '); i > 0 {
		return full[:i]
	}
	return full
}
