// Package reminders runs the time-trigger loop: it sweeps upcoming
// appointments and queues the reminder messages a tenant's policy calls for.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/config"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/workflow"
)

// AppointmentSource is the appointment surface the sweep reads and writes.
type AppointmentSource interface {
	ListUpcoming(ctx context.Context, tenantID string, from, to time.Time) ([]*models.Appointment, error)
	RemindersFor(ctx context.Context, appointmentID string) ([]*models.ReminderLog, error)
	RecordReminder(ctx context.Context, log *models.ReminderLog) error
}

// CustomerSource resolves the appointment's customer for phone and timezone.
type CustomerSource interface {
	ByID(ctx context.Context, id string) (*models.Customer, error)
}

// Enqueuer is the durable command queue the reminders are sent through.
type Enqueuer interface {
	Enqueue(cmd contracts.ExecutorCommand) error
}

// OutboundGuard runs the pre-send checks on each reminder body.
type OutboundGuard interface {
	CheckOutboundMessage(msg guardrails.OutboundMessage) error
}

// Config controls the sweep cadence and scope.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Horizon bounds how far ahead the sweep loads appointments. Must cover
	// the largest reminder offset in use.
	Horizon time.Duration
	// ManifestVersion is stamped on every queued command.
	ManifestVersion string
	// Tenants to sweep.
	Tenants []string
}

// DefaultConfig returns the standard reminder cadence.
func DefaultConfig(tenants []string) Config {
	return Config{
		Interval: 5 * time.Minute,
		Horizon:  72 * time.Hour,
		Tenants:  tenants,
	}
}

// defaultOffsetsHrs is the reminder ladder for tenants whose profile pack
// does not set one.
var defaultOffsetsHrs = []int{48, 24}

// Service is the background reminder scheduler. Each pass is idempotent: a
// reminder kind already logged for an appointment is never queued again, so
// restarts and overlapping instances are safe.
type Service struct {
	cfg          Config
	appointments AppointmentSource
	customers    CustomerSource
	queue        Enqueuer
	guard        OutboundGuard
	profiles     *config.ProfileRegistry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the reminder scheduler. profiles and guard may be nil.
func NewService(cfg Config, appointments AppointmentSource, customers CustomerSource,
	queue Enqueuer, guard OutboundGuard, profiles *config.ProfileRegistry) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 72 * time.Hour
	}
	return &Service{
		cfg:          cfg,
		appointments: appointments,
		customers:    customers,
		queue:        queue,
		guard:        guard,
		profiles:     profiles,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Reminder service started",
		"interval", s.cfg.Interval,
		"horizon", s.cfg.Horizon,
		"tenants", len(s.cfg.Tenants))
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Reminder service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx, time.Now().UTC())

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx, time.Now().UTC())
		}
	}
}

// RunOnce performs one sweep over every tenant. Exported so operators can
// trigger a pass out of band and tests can drive the clock.
func (s *Service) RunOnce(ctx context.Context, now time.Time) {
	for _, tenant := range s.cfg.Tenants {
		if err := s.sweepTenant(ctx, tenant, now); err != nil {
			slog.Error("Reminder sweep failed", "tenant_id", tenant, "error", err)
		}
	}
}

func (s *Service) sweepTenant(ctx context.Context, tenantID string, now time.Time) error {
	profile := s.profileFor(tenantID)
	offsets := defaultOffsetsHrs
	businessTZ := ""
	if profile != nil {
		businessTZ = profile.Timezone
		if len(profile.Policies.ReminderOffsetsHrs) > 0 {
			offsets = profile.Policies.ReminderOffsetsHrs
		}
	}

	upcoming, err := s.appointments.ListUpcoming(ctx, tenantID, now, now.Add(s.cfg.Horizon))
	if err != nil {
		return err
	}

	for _, appt := range upcoming {
		if err := s.remindFor(ctx, tenantID, appt, offsets, businessTZ, profile, now); err != nil {
			slog.Error("Reminder pass failed for appointment",
				"tenant_id", tenantID, "appointment_id", appt.ID, "error", err)
		}
	}
	return nil
}

// remindFor queues every reminder whose fire time has passed and that has not
// been logged yet.
func (s *Service) remindFor(ctx context.Context, tenantID string, appt *models.Appointment,
	offsets []int, businessTZ string, profile *config.Profile, now time.Time) error {
	customer, err := s.customers.ByID(ctx, appt.CustomerID)
	if err != nil {
		return err
	}

	sent, err := s.appointments.RemindersFor(ctx, appt.ID)
	if err != nil {
		return err
	}
	sentKinds := make(map[models.ReminderKind]bool, len(sent))
	for _, r := range sent {
		sentKinds[r.Kind] = true
	}

	for _, hrs := range offsets {
		kind := models.ReminderKind(fmt.Sprintf("%dh", hrs))
		if sentKinds[kind] {
			continue
		}
		trigger := workflow.TimeTrigger{Offset: -time.Duration(hrs) * time.Hour}
		if trigger.FireAt(appt, customer, businessTZ).After(now) {
			continue
		}

		body := s.reminderBody(profile, customer, appt, businessTZ, hrs)
		delivered := false
		if s.guard != nil {
			err = s.guard.CheckOutboundMessage(guardrails.OutboundMessage{
				TenantID: tenantID,
				Phone:    customer.Phone,
				Body:     body,
			})
		}
		if err == nil {
			if qErr := s.queue.Enqueue(contracts.ExecutorCommand{
				ExecutionID:               uuid.NewString(),
				TenantID:                  tenantID,
				CorrelationID:             uuid.NewString(),
				CommandType:               contracts.CommandSendSMS,
				AuthorizedByCore:          true,
				PermissionManifestVersion: s.cfg.ManifestVersion,
				Payload: map[string]any{
					"to":            customer.Phone,
					"body":          body,
					"appointmentId": appt.ID,
				},
			}); qErr != nil {
				return qErr
			}
			delivered = true
		} else {
			// A guardrail refusal is final for this window; log the reminder
			// anyway so the sweep stops re-attempting it.
			slog.Warn("Reminder suppressed",
				"tenant_id", tenantID, "appointment_id", appt.ID, "kind", kind, "reason", err)
			err = nil
		}

		if recErr := s.appointments.RecordReminder(ctx, &models.ReminderLog{
			AppointmentID: appt.ID,
			Kind:          kind,
			Channel:       "sms",
			Delivered:     delivered,
			SentAt:        now,
		}); recErr != nil {
			return recErr
		}
	}
	return nil
}

// reminderBody renders the tenant's reminder_<N>h template when present,
// otherwise the built-in wording.
func (s *Service) reminderBody(profile *config.Profile, customer *models.Customer,
	appt *models.Appointment, businessTZ string, hrs int) string {
	loc := workflow.EffectiveLocation(appt, customer, businessTZ)
	when := appt.ScheduledAt.In(loc).Format("Mon Jan 2 at 3:04 PM")

	if profile != nil {
		if tmpl, ok := profile.Template(fmt.Sprintf("reminder_%dh", hrs)); ok {
			return config.RenderTemplate(tmpl, map[string]string{
				"firstName":   firstName(customer.Name),
				"serviceType": appt.ServiceType,
				"time":        when,
			})
		}
	}
	return fmt.Sprintf("Hi %s! Reminder: your %s appointment is %s. Reply YES to confirm, RESCHEDULE to pick a new time, or CANCEL.",
		firstName(customer.Name), appt.ServiceType, when)
}

func (s *Service) profileFor(tenantID string) *config.Profile {
	if s.profiles == nil {
		return nil
	}
	p, ok := s.profiles.ByTenant(tenantID)
	if !ok {
		return nil
	}
	return p
}

func firstName(full string) string {
	for i := 0; i < len(full); i++ {
		if full[i] == ' ' {
			full = full[:i]
			break
		}
	}
	if full == "" {
		return "there"
	}
	return full
}
