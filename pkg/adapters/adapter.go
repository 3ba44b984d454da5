// Package adapters normalizes third-party provider payloads (Calendly,
// Twilio, Stripe) into the small shapes Core consumes, verifies webhook
// signatures, and wraps outbound calls with the resilience stack. Core never
// sees raw provider schemas.
package adapters

import (
	"context"
	"time"
)

// Domain names used for circuit breakers and rate limiters.
const (
	DomainMessaging = "messaging"
	DomainBooking   = "booking"
	DomainPayment   = "payment"
)

// Adapter is the contract all three provider families share.
type Adapter interface {
	// Name identifies the provider (calendly, twilio, stripe).
	Name() string
	// Domain is the provider's resilience domain.
	Domain() string
	// VerifySignature checks the webhook HMAC over the raw body using a
	// timing-safe comparison.
	VerifySignature(rawBody []byte, signature string) bool
	// HandleWebhook verifies and normalizes an inbound webhook delivery.
	HandleWebhook(rawBody []byte, signature string) (*NormalizedEvent, error)
	// Send performs the provider's outbound operation through the
	// resilience stack. The payload is the normalized request shape.
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// NormalizedEvent is the provider-independent shape of an inbound webhook.
type NormalizedEvent struct {
	Source          string         `json:"source"`
	ProviderEventID string         `json:"providerEventId,omitempty"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	EventKind       string         `json:"eventKind"`
	OccurredAt      time.Time      `json:"occurredAt"`
	Booking         *BookingDetails `json:"booking,omitempty"`
	Message         *MessageDetails `json:"message,omitempty"`
	Payment         *PaymentDetails `json:"payment,omitempty"`
}

// BookingDetails is the booking subset Core consumes.
type BookingDetails struct {
	ExternalID      string    `json:"externalId"`
	CustomerPhone   string    `json:"customerPhone"`
	CustomerEmail   string    `json:"customerEmail,omitempty"`
	CustomerName    string    `json:"customerName,omitempty"`
	AppointmentDate time.Time `json:"appointmentDate"`
	Timezone        string    `json:"timezone,omitempty"`
	ServiceType     string    `json:"serviceType"`
	DurationMinutes int       `json:"durationMinutes,omitempty"`
}

// MessageDetails is the inbound-message subset Core consumes.
type MessageDetails struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	MessageID string `json:"messageId,omitempty"`
}

// PaymentDetails is the payment-event subset Core consumes. Metadata carries
// the correlation keys Core attached when it created the payment link
// (appointmentId in particular).
type PaymentDetails struct {
	PaymentID string            `json:"paymentId"`
	Amount    float64           `json:"amount"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SendRequest is the normalized outbound request.
type SendRequest struct {
	TenantID string
	To       string
	Body     string
	Amount   float64
	Metadata map[string]string
}

// SendResult is the normalized outbound response.
type SendResult struct {
	ProviderID string
	Status     string
}
