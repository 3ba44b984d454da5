package models

import "time"

// AppointmentStatus is the appointment lifecycle state. Transitions are
// enforced by the workflow package; nothing mutates status outside it.
type AppointmentStatus string

const (
	AppointmentBooked         AppointmentStatus = "booked"
	AppointmentPendingConfirm AppointmentStatus = "pending_confirm"
	AppointmentConfirmed      AppointmentStatus = "confirmed"
	AppointmentRescheduled    AppointmentStatus = "rescheduled"
	AppointmentCancelled      AppointmentStatus = "cancelled"
	AppointmentNoShow         AppointmentStatus = "no_show"
	AppointmentInProgress     AppointmentStatus = "in_progress"
	AppointmentCompleted      AppointmentStatus = "completed"
)

// IsValid checks if the status is a known value.
func (s AppointmentStatus) IsValid() bool {
	switch s {
	case AppointmentBooked, AppointmentPendingConfirm, AppointmentConfirmed,
		AppointmentRescheduled, AppointmentCancelled, AppointmentNoShow,
		AppointmentInProgress, AppointmentCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s AppointmentStatus) IsTerminal() bool {
	switch s {
	case AppointmentCompleted, AppointmentNoShow, AppointmentCancelled:
		return true
	default:
		return false
	}
}

// Appointment is owned by a Customer. ExternalID is the provider's event id
// and is unique per provider when present.
type Appointment struct {
	ID                     string            `json:"id"`
	TenantID               string            `json:"tenant_id"`
	CustomerID             string            `json:"customer_id"`
	ExternalID             string            `json:"external_id,omitempty"`
	Provider               string            `json:"provider,omitempty"`
	ScheduledAt            time.Time         `json:"scheduled_at"` // UTC
	Timezone               string            `json:"timezone"`     // resolved IANA name
	DurationMinutes        int               `json:"duration_minutes"`
	ServiceType            string            `json:"service_type"`
	ServiceCost            float64           `json:"service_cost,omitempty"`
	Status                 AppointmentStatus `json:"status"`
	PreviousStatuses       []StatusChange    `json:"previous_statuses,omitempty"`
	Confirmed              bool              `json:"confirmed"`
	ConfirmedAt            *time.Time        `json:"confirmed_at,omitempty"`
	ConfirmationIntent     string            `json:"confirmation_intent,omitempty"`
	DepositRequired        bool              `json:"deposit_required"`
	DepositAmount          float64           `json:"deposit_amount,omitempty"`
	DepositPaid            bool              `json:"deposit_paid"`
	DepositPaymentID       string            `json:"deposit_payment_id,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// StatusChange records one entry of the appointment's status history.
type StatusChange struct {
	From      AppointmentStatus `json:"from"`
	To        AppointmentStatus `json:"to"`
	Actor     string            `json:"actor"`
	ChangedAt time.Time         `json:"changed_at"`
}

// ReminderKind identifies which reminder in the sequence was sent.
type ReminderKind string

const (
	Reminder48h    ReminderKind = "48h"
	Reminder24h    ReminderKind = "24h"
	Reminder6h     ReminderKind = "6h"
	ReminderCustom ReminderKind = "custom"
)

// ReminderLog is an append-only record of a sent reminder. Immutable once
// written.
type ReminderLog struct {
	ID                string       `json:"id"`
	AppointmentID     string       `json:"appointment_id"`
	Kind              ReminderKind `json:"kind"`
	Channel           string       `json:"channel"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Delivered         bool         `json:"delivered"`
	Read              bool         `json:"read"`
	SentAt            time.Time    `json:"sent_at"`
}
