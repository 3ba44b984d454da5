package workflow

import (
	"time"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

// TriggerKind distinguishes the three workflow trigger families.
type TriggerKind string

const (
	TriggerEvent   TriggerKind = "event"
	TriggerTime    TriggerKind = "time"
	TriggerPattern TriggerKind = "pattern"
)

// EventTrigger fires when a canonical event of EventType arrives and the
// optional predicate accepts its payload.
type EventTrigger struct {
	EventType string
	Predicate func(payload map[string]any) bool
}

// Matches reports whether the trigger fires for the given event.
func (t EventTrigger) Matches(evt *contracts.EventEnvelope) bool {
	if evt.EventType != t.EventType {
		return false
	}
	if t.Predicate == nil {
		return true
	}
	return t.Predicate(evt.Payload)
}

// TimeTrigger fires at Offset relative to the appointment's scheduled time,
// evaluated in the effective timezone. A negative offset fires before the
// appointment (reminders), a positive one after (no-show recovery).
type TimeTrigger struct {
	Offset time.Duration
}

// FireAt computes the trigger's absolute firing time for an appointment.
// Time triggers must be recomputed whenever the reference field changes
// (e.g. a reschedule moves ScheduledAt).
func (t TimeTrigger) FireAt(appt *models.Appointment, cust *models.Customer, businessTZ string) time.Time {
	loc := EffectiveLocation(appt, cust, businessTZ)
	return appt.ScheduledAt.In(loc).Add(t.Offset)
}

// EffectiveLocation resolves the timezone chain:
// appointment tz > customer tz > business tz > UTC.
func EffectiveLocation(appt *models.Appointment, cust *models.Customer, businessTZ string) *time.Location {
	for _, name := range []string{tzOf(appt), custTZ(cust), businessTZ} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

func tzOf(appt *models.Appointment) string {
	if appt == nil {
		return ""
	}
	return appt.Timezone
}

func custTZ(c *models.Customer) string {
	if c == nil {
		return ""
	}
	return c.Timezone
}

// PatternTrigger fires on derived customer conditions, e.g. repeated
// no-shows or a high risk score.
type PatternTrigger struct {
	MinNoShowCount int
	MinRiskScore   float64
}

// Matches reports whether the customer's current counters satisfy the
// pattern. Zero-valued thresholds are ignored.
func (t PatternTrigger) Matches(c *models.Customer) bool {
	if c == nil {
		return false
	}
	if t.MinNoShowCount > 0 && c.NoShowCount < t.MinNoShowCount {
		return false
	}
	if t.MinRiskScore > 0 && c.RiskScore < t.MinRiskScore {
		return false
	}
	return t.MinNoShowCount > 0 || t.MinRiskScore > 0
}

// ReminderSchedule holds the standard reminder times for an appointment.
type ReminderSchedule struct {
	Reminder48hAt time.Time `json:"reminder48hAt"`
	Reminder24hAt time.Time `json:"reminder24hAt"`
}

// ComputeReminderSchedule derives the 48h/24h reminder times from the
// appointment's scheduled time.
func ComputeReminderSchedule(scheduledAt time.Time) ReminderSchedule {
	return ReminderSchedule{
		Reminder48hAt: scheduledAt.Add(-48 * time.Hour),
		Reminder24hAt: scheduledAt.Add(-24 * time.Hour),
	}
}
