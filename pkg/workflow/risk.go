package workflow

import (
	"github.com/aro-automation/aro/pkg/models"
)

// DefaultDepositThreshold is the risk score at or above which a deposit is
// required unless the tenant's profile overrides it.
const DefaultDepositThreshold = 70.0

// RiskInput is the set of counters the risk score derives from.
type RiskInput struct {
	NoShowCount       int
	RescheduleCount   int
	TotalAppointments int
	ConfirmationRate  float64 // [0,1]
	PaymentStatus     models.PaymentStatus
}

// RiskResult is the deterministic output for a RiskInput.
type RiskResult struct {
	Score           float64
	Category        models.RiskCategory
	RequiresDeposit bool
}

// Score computes the deterministic risk score:
//
//	min(noShow*20, 40) + (1-confirmationRate)*30
//	  + (rescheduleCount/totalAppointments)*20
//	  + (pastDue ? 10 : 0)
//
// clamped to [0,100]. Same counters always yield the same result.
func Score(in RiskInput, depositThreshold float64) RiskResult {
	score := float64(in.NoShowCount) * 20
	if score > 40 {
		score = 40
	}

	rate := in.ConfirmationRate
	if rate < 0 {
		rate = 0
	} else if rate > 1 {
		rate = 1
	}
	score += (1 - rate) * 30

	if in.TotalAppointments > 0 {
		score += float64(in.RescheduleCount) / float64(in.TotalAppointments) * 20
	}

	if in.PaymentStatus == models.PaymentStatusPastDue {
		score += 10
	}

	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	return RiskResult{
		Score:           score,
		Category:        categorize(score),
		RequiresDeposit: score >= depositThreshold,
	}
}

func categorize(score float64) models.RiskCategory {
	switch {
	case score < 40:
		return models.RiskCategoryLow
	case score < 70:
		return models.RiskCategoryMedium
	default:
		return models.RiskCategoryHigh
	}
}

// Recompute applies the risk formula to the customer's stored counters and
// updates its denormalized risk fields. Called on every appointment status
// change, on counter change, and from the daily cleanup sweep.
func Recompute(c *models.Customer, depositThreshold float64) {
	r := Score(RiskInput{
		NoShowCount:       c.NoShowCount,
		RescheduleCount:   c.RescheduleCount,
		TotalAppointments: c.TotalAppointments,
		ConfirmationRate:  c.ConfirmationRate,
		PaymentStatus:     c.PaymentStatus,
	}, depositThreshold)
	c.RiskScore = r.Score
	c.RiskCategory = r.Category
	c.RequiresDeposit = r.RequiresDeposit
}
