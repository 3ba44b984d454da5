package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/workflow"
)

// AppointmentService owns appointment persistence and is the only writer of
// appointment status; every change goes through the transition table.
type AppointmentService struct {
	db *sql.DB
}

// NewAppointmentService creates an AppointmentService.
func NewAppointmentService(db *sql.DB) *AppointmentService {
	return &AppointmentService{db: db}
}

// UpsertFromBooking creates an appointment from a normalized booking webhook,
// or returns the existing one when the provider re-delivers the same booking.
// A booking with a scheduled time in the past is rejected.
func (s *AppointmentService) UpsertFromBooking(ctx context.Context, a *models.Appointment) (created bool, err error) {
	if a.ExternalID != "" {
		existing, err := s.ByExternalID(ctx, a.Provider, a.ExternalID)
		if err == nil {
			*a = *existing
			return false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return false, err
		}
	}

	if !a.ScheduledAt.After(time.Now().UTC()) {
		return false, NewValidationError("scheduledAt", "must be in the future")
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AppointmentBooked
	}
	historyJSON, err := json.Marshal(a.PreviousStatuses)
	if err != nil {
		return false, fmt.Errorf("failed to marshal status history: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO appointments
			(id, tenant_id, customer_id, external_id, provider, scheduled_at,
			 timezone, duration_minutes, service_type, service_cost, status,
			 previous_statuses, deposit_required, deposit_amount)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT DO NOTHING
		RETURNING created_at, updated_at`,
		a.ID, a.TenantID, a.CustomerID, nullIfEmpty(a.ExternalID), nullIfEmpty(a.Provider),
		a.ScheduledAt.UTC(), a.Timezone, a.DurationMinutes, a.ServiceType, a.ServiceCost,
		a.Status, historyJSON, a.DepositRequired, a.DepositAmount,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		existing, lookupErr := s.ByExternalID(ctx, a.Provider, a.ExternalID)
		if lookupErr != nil {
			return false, lookupErr
		}
		*a = *existing
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create appointment: %w", err)
	}
	return true, nil
}

// ByID fetches an appointment.
func (s *AppointmentService) ByID(ctx context.Context, id string) (*models.Appointment, error) {
	row := s.db.QueryRowContext(ctx, selectAppointment+` WHERE id = $1`, id)
	return scanAppointment(row)
}

// ByExternalID fetches an appointment by its provider booking id.
func (s *AppointmentService) ByExternalID(ctx context.Context, provider, externalID string) (*models.Appointment, error) {
	row := s.db.QueryRowContext(ctx,
		selectAppointment+` WHERE provider = $1 AND external_id = $2`, provider, externalID)
	return scanAppointment(row)
}

// ListByCustomer returns a customer's appointments, newest first.
func (s *AppointmentService) ListByCustomer(ctx context.Context, customerID string, limit int) ([]*models.Appointment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectAppointment+` WHERE customer_id = $1 ORDER BY scheduled_at DESC LIMIT $2`,
		customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// ListUpcoming returns non-terminal appointments scheduled inside the window,
// for reminder scheduling.
func (s *AppointmentService) ListUpcoming(ctx context.Context, tenantID string, from, to time.Time) ([]*models.Appointment, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAppointment+` WHERE tenant_id = $1
			AND scheduled_at >= $2 AND scheduled_at < $3
			AND status NOT IN ('completed', 'cancelled', 'no_show')
		ORDER BY scheduled_at`,
		tenantID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list upcoming appointments: %w", err)
	}
	defer rows.Close()
	return collectAppointments(rows)
}

// Transition moves the appointment to a new status via the transition table
// and persists the updated row including history. Invalid transitions return
// *workflow.TransitionError unchanged.
func (s *AppointmentService) Transition(ctx context.Context, id string, to models.AppointmentStatus, actor string) (*models.Appointment, error) {
	a, err := s.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := workflow.Transition(a, to, actor, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Reschedule validates the transition, then re-points the appointment at the
// new slot.
func (s *AppointmentService) Reschedule(ctx context.Context, id string, newTime time.Time, actor string) (*models.Appointment, error) {
	a, err := s.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := workflow.Transition(a, models.AppointmentRescheduled, actor, time.Now().UTC()); err != nil {
		return nil, err
	}
	a.ScheduledAt = newTime.UTC()
	if err := s.save(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// MarkDepositPaid records a settled deposit payment.
func (s *AppointmentService) MarkDepositPaid(ctx context.Context, id, paymentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET deposit_paid = TRUE, deposit_payment_id = $2, updated_at = now()
		WHERE id = $1`, id, paymentID)
	if err != nil {
		return fmt.Errorf("failed to mark deposit paid: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordReminder appends an immutable reminder log entry.
func (s *AppointmentService) RecordReminder(ctx context.Context, log *models.ReminderLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.SentAt.IsZero() {
		log.SentAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_logs (id, appointment_id, kind, channel, provider_message_id, delivered, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		log.ID, log.AppointmentID, log.Kind, log.Channel,
		nullIfEmpty(log.ProviderMessageID), log.Delivered, log.SentAt)
	if err != nil {
		return fmt.Errorf("failed to record reminder: %w", err)
	}
	return nil
}

// RemindersFor returns the reminders already sent for an appointment, used to
// keep the reminder sequence idempotent.
func (s *AppointmentService) RemindersFor(ctx context.Context, appointmentID string) ([]*models.ReminderLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, appointment_id, kind, channel, provider_message_id, delivered, read, sent_at
		FROM reminder_logs WHERE appointment_id = $1 ORDER BY sent_at`,
		appointmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminders: %w", err)
	}
	defer rows.Close()

	var out []*models.ReminderLog
	for rows.Next() {
		var (
			log models.ReminderLog
			pid sql.NullString
		)
		if err := rows.Scan(&log.ID, &log.AppointmentID, &log.Kind, &log.Channel,
			&pid, &log.Delivered, &log.Read, &log.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		log.ProviderMessageID = pid.String
		out = append(out, &log)
	}
	return out, rows.Err()
}

func (s *AppointmentService) save(ctx context.Context, a *models.Appointment) error {
	historyJSON, err := json.Marshal(a.PreviousStatuses)
	if err != nil {
		return fmt.Errorf("failed to marshal status history: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE appointments SET
			scheduled_at = $2, status = $3, previous_statuses = $4,
			confirmed = $5, confirmed_at = $6, confirmation_intent = $7,
			deposit_required = $8, deposit_amount = $9, updated_at = now()
		WHERE id = $1`,
		a.ID, a.ScheduledAt.UTC(), a.Status, historyJSON,
		a.Confirmed, a.ConfirmedAt, nullIfEmpty(a.ConfirmationIntent),
		a.DepositRequired, a.DepositAmount)
	if err != nil {
		return fmt.Errorf("failed to update appointment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectAppointment = `SELECT id, tenant_id, customer_id, external_id,
	provider, scheduled_at, timezone, duration_minutes, service_type,
	service_cost, status, previous_statuses, confirmed, confirmed_at,
	confirmation_intent, deposit_required, deposit_amount, deposit_paid,
	deposit_payment_id, created_at, updated_at FROM appointments`

func scanAppointment(row rowScanner) (*models.Appointment, error) {
	var (
		a           models.Appointment
		externalID  sql.NullString
		provider    sql.NullString
		historyJSON []byte
		confirmedAt sql.NullTime
		intent      sql.NullString
		paymentID   sql.NullString
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.CustomerID, &externalID, &provider,
		&a.ScheduledAt, &a.Timezone, &a.DurationMinutes, &a.ServiceType,
		&a.ServiceCost, &a.Status, &historyJSON, &a.Confirmed, &confirmedAt,
		&intent, &a.DepositRequired, &a.DepositAmount, &a.DepositPaid,
		&paymentID, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan appointment: %w", err)
	}

	a.ExternalID = externalID.String
	a.Provider = provider.String
	a.ConfirmationIntent = intent.String
	a.DepositPaymentID = paymentID.String
	if confirmedAt.Valid {
		a.ConfirmedAt = &confirmedAt.Time
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &a.PreviousStatuses); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status history: %w", err)
		}
	}
	return &a, nil
}

func collectAppointments(rows *sql.Rows) ([]*models.Appointment, error) {
	var out []*models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
