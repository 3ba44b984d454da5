package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/config"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

func bookingEvent(externalID string) *adapters.NormalizedEvent {
	return &adapters.NormalizedEvent{
		Source:         "calendly",
		IdempotencyKey: "calendly:" + externalID,
		EventKind:      "invitee.created",
		OccurredAt:     time.Now().UTC(),
		Booking: &adapters.BookingDetails{
			ExternalID:      externalID,
			CustomerPhone:   "+15551230000",
			CustomerName:    "Dana Smith",
			AppointmentDate: time.Now().Add(72 * time.Hour).UTC(),
			Timezone:        "America/New_York",
			ServiceType:     "cleaning",
			DurationMinutes: 60,
		},
	}
}

func (env *testEnv) postWebhook(t *testing.T, signature string) *http.Response {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/v1/webhooks/"+testTenant+"/twilio",
		map[string]string{"raw": "provider-payload"},
		reqOpts{headers: map[string]string{"X-Twilio-Signature": signature}})
	return rec.Result()
}

func TestWebhookBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.event = bookingEvent("booking-1")

	resp := env.postWebhook(t, "wrong-sig")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, env.eventLog.events)
}

func TestWebhookUnknownProvider(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/v1/webhooks/"+testTenant+"/fax", nil, reqOpts{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookBookingCreatesAppointmentAndQueuesConfirmation(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.event = bookingEvent("booking-1")
	env.consents.granted["+15551230000"] = true

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	customer, ok := env.customers.byPhone["+15551230000"]
	require.True(t, ok, "booking must upsert the customer")
	assert.Equal(t, "Dana Smith", customer.Name)

	require.Len(t, env.appointments.byID, 1)
	for _, appt := range env.appointments.byID {
		assert.Equal(t, models.AppointmentPendingConfirm, appt.Status)
		assert.Equal(t, "booking-1", appt.ExternalID)
		assert.Equal(t, customer.ID, appt.CustomerID)
	}

	require.Len(t, env.eventLog.byType(contracts.EventTypeBookingReceived), 1)

	require.Len(t, env.queue.cmds, 1)
	cmd := env.queue.cmds[0]
	assert.Equal(t, contracts.CommandSendSMS, cmd.CommandType)
	assert.Equal(t, "+15551230000", cmd.Payload["to"])
	assert.Contains(t, cmd.Payload["body"], "Dana")

	require.Len(t, env.workflows.started, 1, "an accepted booking opens a confirmation workflow")
	wf := env.workflows.started[0]
	assert.Equal(t, "appointment_confirmation", wf.WorkflowName)
	assert.Equal(t, models.WorkflowPending, wf.State)
}

func TestWebhookBookingUsesTenantTemplateAndDeposit(t *testing.T) {
	env := newTestEnvCfg(t, func(_ *Config, deps *Deps) {
		deps.Profiles = config.NewProfileRegistry(&config.Profile{
			Tenant:   testTenant,
			Timezone: "America/Chicago",
			Templates: map[string]string{
				"booking_confirmation": "{firstName}, your {serviceType} visit is set for {time}. Text YES to lock it in.",
			},
			Policies: config.Policies{DepositAmount: 40},
		})
	})
	env.customers.byPhone["+15551230000"] = &models.Customer{
		ID:              "cust-dep",
		TenantID:        testTenant,
		Phone:           "+15551230000",
		Name:            "Dana Smith",
		RequiresDeposit: true,
	}
	env.consents.granted["+15551230000"] = true
	env.adapter.event = bookingEvent("booking-1")

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for _, appt := range env.appointments.byID {
		assert.True(t, appt.DepositRequired)
		assert.Equal(t, 40.0, appt.DepositAmount, "tenant policy overrides the global deposit")
	}

	require.Len(t, env.queue.cmds, 1)
	body, _ := env.queue.cmds[0].Payload["body"].(string)
	assert.Contains(t, body, "Dana, your cleaning visit is set for")
	assert.Contains(t, body, "Text YES to lock it in.")
	assert.Contains(t, body, "deposit", "deposit note appended when the template omits it")
}

func TestWebhookBookingWithoutConsentSuppressesSMS(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.event = bookingEvent("booking-1")

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode, "a guardrail refusal must not fail the booking")

	assert.Len(t, env.appointments.byID, 1)
	assert.Empty(t, env.queue.cmds, "no consent, no send")
}

func TestWebhookDuplicateBookingSendsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.adapter.event = bookingEvent("booking-1")
	env.consents.granted["+15551230000"] = true

	first := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, first.StatusCode)
	second := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, second.StatusCode)

	assert.Len(t, env.appointments.byID, 1)
	assert.Len(t, env.queue.cmds, 1, "redelivery must not queue a second confirmation")
}

func messageEvent(body, messageID string) *adapters.NormalizedEvent {
	return &adapters.NormalizedEvent{
		Source:         "twilio",
		IdempotencyKey: "twilio:" + messageID,
		EventKind:      "message.received",
		OccurredAt:     time.Now().UTC(),
		Message: &adapters.MessageDetails{
			From:      "+15551230000",
			To:        "+15559870000",
			Body:      body,
			MessageID: messageID,
		},
	}
}

func (env *testEnv) seedCustomerWithAppointment(t *testing.T) (*models.Customer, *models.Appointment) {
	t.Helper()
	customer, err := env.customers.UpsertByPhone(t.Context(), testTenant,
		"+15551230000", "", "Dana Smith", "America/New_York")
	require.NoError(t, err)
	appt := &models.Appointment{
		TenantID:    testTenant,
		CustomerID:  customer.ID,
		ExternalID:  "booking-1",
		ScheduledAt: time.Now().Add(48 * time.Hour).UTC(),
		Status:      models.AppointmentPendingConfirm,
	}
	env.appointments.add(appt)
	return customer, appt
}

func TestWebhookReplyConfirms(t *testing.T) {
	env := newTestEnv(t)
	_, appt := env.seedCustomerWithAppointment(t)
	env.adapter.event = messageEvent("Yes, see you then!", "msg-1")
	env.classifier.result = &contracts.ExecutorResultEvent{
		Status:  contracts.StatusSucceeded,
		Payload: map[string]any{"intent": "confirm"},
	}

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.Len(t, env.eventLog.byType(contracts.EventTypeInboundReply), 1)
	assert.Len(t, env.eventLog.byType(contracts.EventTypeReplyClassified), 1)
	assert.Len(t, env.eventLog.byType(contracts.EventTypeAppointmentConfirmed), 1)

	// The classification went through the Executor.
	require.Len(t, env.classifier.cmds, 1)
	cmd := env.classifier.cmds[0]
	assert.Equal(t, contracts.CommandClassifyReply, cmd.CommandType)
	assert.True(t, cmd.AuthorizedByCore)
	assert.Equal(t, "+15551230000", cmd.Payload["from"])
	assert.Equal(t, "Yes, see you then!", cmd.Payload["text"])
}

func TestWebhookReplyExecutorIntentWins(t *testing.T) {
	env := newTestEnv(t)
	_, appt := env.seedCustomerWithAppointment(t)
	// The wording reads like a confirmation, but the Executor's classifier
	// sees a cancellation. Its verdict decides.
	env.adapter.event = messageEvent("yes about that appointment... I can't make it", "msg-6")
	env.classifier.result = &contracts.ExecutorResultEvent{
		Status:  contracts.StatusSucceeded,
		Payload: map[string]any{"intent": "cancel"},
	}

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.AppointmentCancelled, appt.Status)
	assert.Len(t, env.eventLog.byType(contracts.EventTypeCancelRequested), 1)
	assert.Empty(t, env.eventLog.byType(contracts.EventTypeAppointmentConfirmed))
}

func TestWebhookReplyClassifierFallback(t *testing.T) {
	env := newTestEnv(t)
	_, appt := env.seedCustomerWithAppointment(t)
	env.adapter.event = messageEvent("Yes, see you then!", "msg-7")
	env.classifier.err = context.DeadlineExceeded

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode, "an unreachable Executor must not fail the reply")

	// The keyword classifier takes over.
	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
	assert.Len(t, env.eventLog.byType(contracts.EventTypeReplyClassified), 1)
}

func TestWebhookReplyCancelRequested(t *testing.T) {
	env := newTestEnv(t)
	customer, appt := env.seedCustomerWithAppointment(t)
	env.adapter.event = messageEvent("sorry, I need to cancel", "msg-2")

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, models.AppointmentCancelled, appt.Status)
	assert.Len(t, env.eventLog.byType(contracts.EventTypeCancelRequested), 1)
	assert.Equal(t, []string{customer.ID + ":cancelled"}, env.customers.outcomes,
		"a terminal transition feeds the customer's risk counters")
}

func TestWebhookReplyReschedule(t *testing.T) {
	env := newTestEnv(t)
	customer, _ := env.seedCustomerWithAppointment(t)
	env.adapter.event = messageEvent("can we move it to another time?", "msg-3")

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{customer.ID}, env.customers.resched)
	require.Len(t, env.queue.cmds, 1)
	assert.Equal(t, contracts.CommandRequestRescheduleLink, env.queue.cmds[0].CommandType)
}

func TestWebhookReplyStopOptsOut(t *testing.T) {
	env := newTestEnv(t)
	env.seedCustomerWithAppointment(t)
	env.consents.granted["+15551230000"] = true
	env.adapter.event = messageEvent("STOP", "msg-4")

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []string{"+15551230000"}, env.consents.optOuts)
	assert.Empty(t, env.eventLog.byType(contracts.EventTypeReplyClassified),
		"carrier keywords bypass intent classification")
}

func TestWebhookDuplicateReplyIsAbsorbed(t *testing.T) {
	env := newTestEnv(t)
	_, appt := env.seedCustomerWithAppointment(t)
	env.adapter.event = messageEvent("yes", "msg-5")

	require.Equal(t, http.StatusOK, env.postWebhook(t, "valid-sig").StatusCode)
	appt.Status = models.AppointmentPendingConfirm // reset to detect re-processing
	require.Equal(t, http.StatusOK, env.postWebhook(t, "valid-sig").StatusCode)

	assert.Equal(t, models.AppointmentPendingConfirm, appt.Status,
		"duplicate delivery must not re-run the workflow")
	assert.Len(t, env.eventLog.byType(contracts.EventTypeInboundReply), 1)
}

func TestWebhookPaymentMarksDepositPaid(t *testing.T) {
	env := newTestEnv(t)
	customer, appt := env.seedCustomerWithAppointment(t)
	appt.DepositRequired = true
	appt.DepositAmount = 25

	env.adapter.event = &adapters.NormalizedEvent{
		Source:         "stripe",
		IdempotencyKey: "stripe:pi-1",
		EventKind:      "payment_intent.succeeded",
		OccurredAt:     time.Now().UTC(),
		Payment: &adapters.PaymentDetails{
			PaymentID: "pi-1",
			Amount:    25,
			Currency:  "usd",
			Status:    "succeeded",
			Metadata:  map[string]string{"appointmentId": appt.ID},
		},
	}

	resp := env.postWebhook(t, "valid-sig")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.True(t, appt.DepositPaid)
	assert.Equal(t, "pi-1", appt.DepositPaymentID)
	assert.Equal(t, models.PaymentStatusCurrent, env.customers.payments[customer.ID])
	assert.Len(t, env.eventLog.byType("payment.succeeded"), 1)
}
