// Package contracts defines the canonical envelopes exchanged between the
// Core Engine, the Executor, and event stream consumers. Every boundary
// validates these shapes before acting on them.
package contracts

import (
	"time"
)

// IntegrationCommandPrefix marks command types that route to the Executor.
const IntegrationCommandPrefix = "integration."

// CommandEnvelope is the body of POST /v1/commands.
type CommandEnvelope struct {
	CommandType string         `json:"commandType" validate:"required,min=1"`
	Payload     map[string]any `json:"payload" validate:"required"`
}

// Aggregate identifies the root entity an event belongs to. Events sharing an
// aggregate ID share an ordering partition.
type Aggregate struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

// EventMetadata carries correlation/causation linkage for an event.
type EventMetadata struct {
	WorkflowID    string `json:"workflowId,omitempty"`
	CorrelationID string `json:"correlationId" validate:"required"`
	CausationID   string `json:"causationId,omitempty"`
}

// EventEnvelope is the canonical event shape, regardless of source adapter or
// runtime. ReplayCursor is opaque to consumers; it is orderable per partition.
type EventEnvelope struct {
	EventID     string         `json:"eventId" validate:"required"`
	EventType   string         `json:"eventType" validate:"required"`
	OccurredAt  time.Time      `json:"occurredAt" validate:"required"`
	TenantID    string         `json:"tenantId" validate:"required"`
	Profile     string         `json:"profile,omitempty"`
	Aggregate   Aggregate      `json:"aggregate"`
	Payload     map[string]any `json:"payload"`
	Metadata    EventMetadata  `json:"metadata"`
	ReplayCursor string        `json:"replayCursor,omitempty"`
}

// ExecutorCommand is the body of POST /v1/executions (Core → Executor).
// AuthorizedByCore must be literally true; the Executor refuses anything else.
type ExecutorCommand struct {
	ExecutionID               string         `json:"executionId" validate:"required,uuid4"`
	TenantID                  string         `json:"tenantId" validate:"required"`
	CorrelationID             string         `json:"correlationId" validate:"required"`
	CommandType               string         `json:"commandType" validate:"required"`
	AuthorizedByCore          bool           `json:"authorizedByCore" validate:"required,eq=true"`
	PermissionManifestVersion string         `json:"permissionManifestVersion" validate:"required"`
	Payload                   map[string]any `json:"payload"`
}

// Executor result event types and statuses.
const (
	EventTypeExecutorSucceeded = "executor.command.succeeded"
	EventTypeExecutorFailed    = "executor.command.failed"

	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ExecutorResultEvent is emitted by the Executor for every execution, appended
// to its durable outbox before the HTTP response is returned.
type ExecutorResultEvent struct {
	EventID       string         `json:"eventId"`
	EventType     string         `json:"eventType"`
	ExecutionID   string         `json:"executionId"`
	TenantID      string         `json:"tenantId"`
	CorrelationID string         `json:"correlationId"`
	EmittedAt     time.Time      `json:"emittedAt"`
	Status        string         `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Succeeded reports whether the result event represents a successful execution.
func (e *ExecutorResultEvent) Succeeded() bool {
	return e.Status == StatusSucceeded
}

// Core event types appended by the Core Engine itself.
const (
	EventTypeCommandAccepted      = "command.accepted"
	EventTypeCommandDLQ           = "command.dispatch.dlq"
	EventTypeBookingReceived      = "booking.received"
	EventTypeMessageSent          = "message_sent"
	EventTypeMessageDeferred      = "message.deferred"
	EventTypeInboundReply         = "inbound.reply.received"
	EventTypeReplyClassified      = "reply_classified"
	EventTypeAppointmentConfirmed = "appointment.confirmed"
	EventTypeCancelRequested      = "appointment.cancel_requested"
)

// Well-known integration command types dispatched through the Executor.
const (
	CommandSendSMS               = "integration.twilio.send_sms"
	CommandClassifyReply         = "integration.nlp.classify_reply"
	CommandRequestRescheduleLink = "integration.booking.request_reschedule_link"
	CommandCreatePaymentLink     = "integration.stripe.create_payment_link"
)
