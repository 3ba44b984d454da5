// Package models defines the domain entities persisted by the Core Engine.
package models

import "time"

// PaymentStatus describes a customer's payment standing.
type PaymentStatus string

const (
	PaymentStatusCurrent   PaymentStatus = "current"
	PaymentStatusPastDue   PaymentStatus = "past_due"
	PaymentStatusNoHistory PaymentStatus = "no_history"
)

// IsValid checks if the payment status is a known value.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusCurrent, PaymentStatusPastDue, PaymentStatusNoHistory:
		return true
	default:
		return false
	}
}

// RiskCategory buckets a customer's risk score.
type RiskCategory string

const (
	RiskCategoryLow     RiskCategory = "low"
	RiskCategoryMedium  RiskCategory = "medium"
	RiskCategoryHigh    RiskCategory = "high"
	RiskCategoryBlocked RiskCategory = "blocked"
)

// Customer is the stable identity behind appointments. Phone is unique per
// tenant and strictly E.164. Risk fields are always derivable from the
// behavioral counters; they are stored denormalized for querying.
type Customer struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	Phone             string        `json:"phone"`
	Email             string        `json:"email,omitempty"`
	Name              string        `json:"name,omitempty"`
	Timezone          string        `json:"timezone,omitempty"`
	NoShowCount       int           `json:"no_show_count"`
	RescheduleCount   int           `json:"reschedule_count"`
	CancelCount       int           `json:"cancel_count"`
	TotalAppointments int           `json:"total_appointments"`
	ConfirmationRate  float64       `json:"confirmation_rate"`
	LifetimeValue     float64       `json:"lifetime_value"`
	PaymentStatus     PaymentStatus `json:"payment_status"`
	RiskScore         float64       `json:"risk_score"`
	RiskCategory      RiskCategory  `json:"risk_category"`
	RequiresDeposit   bool          `json:"requires_deposit"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
