package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/workflow"
)

// CustomerService manages customer identities and their behavioral counters.
// Phone is the identity key per tenant and is strictly E.164.
type CustomerService struct {
	db               *sql.DB
	depositThreshold float64
}

// NewCustomerService creates a CustomerService. depositThreshold is the risk
// score at or above which new appointments require a deposit.
func NewCustomerService(db *sql.DB, depositThreshold float64) *CustomerService {
	if depositThreshold <= 0 {
		depositThreshold = workflow.DefaultDepositThreshold
	}
	return &CustomerService{db: db, depositThreshold: depositThreshold}
}

// UpsertByPhone finds or creates the customer behind a phone number. New
// customers start with empty counters and low risk.
func (s *CustomerService) UpsertByPhone(ctx context.Context, tenantID, phone, email, name, timezone string) (*models.Customer, error) {
	if !contracts.ValidatePhone(phone) {
		return nil, NewValidationError("phone", "must be E.164, e.g. +15551234567")
	}

	existing, err := s.ByPhone(ctx, tenantID, phone)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c := &models.Customer{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Phone:         phone,
		Email:         email,
		Name:          name,
		Timezone:      timezone,
		PaymentStatus: models.PaymentStatusNoHistory,
		RiskCategory:  models.RiskCategoryLow,
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO customers (id, tenant_id, phone, email, name, timezone, payment_status, risk_category)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, phone) DO NOTHING
		RETURNING created_at, updated_at`,
		c.ID, c.TenantID, c.Phone, c.Email, c.Name, c.Timezone, c.PaymentStatus, c.RiskCategory,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Concurrent insert won; read it back.
		return s.ByPhone(ctx, tenantID, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return c, nil
}

// ByPhone fetches a customer by tenant and phone.
func (s *CustomerService) ByPhone(ctx context.Context, tenantID, phone string) (*models.Customer, error) {
	row := s.db.QueryRowContext(ctx, selectCustomer+` WHERE tenant_id = $1 AND phone = $2`, tenantID, phone)
	return scanCustomer(row)
}

// ByID fetches a customer.
func (s *CustomerService) ByID(ctx context.Context, id string) (*models.Customer, error) {
	row := s.db.QueryRowContext(ctx, selectCustomer+` WHERE id = $1`, id)
	return scanCustomer(row)
}

// RecordOutcome updates the behavioral counters after an appointment reaches
// a terminal status, then recomputes the denormalized risk fields.
func (s *CustomerService) RecordOutcome(ctx context.Context, customerID string, outcome models.AppointmentStatus, confirmed bool, serviceCost float64) (*models.Customer, error) {
	c, err := s.ByID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	c.TotalAppointments++
	switch outcome {
	case models.AppointmentNoShow:
		c.NoShowCount++
	case models.AppointmentCancelled:
		c.CancelCount++
	case models.AppointmentCompleted:
		c.LifetimeValue += serviceCost
	}
	confirmedCount := c.ConfirmationRate * float64(c.TotalAppointments-1)
	if confirmed {
		confirmedCount++
	}
	c.ConfirmationRate = confirmedCount / float64(c.TotalAppointments)

	workflow.Recompute(c, s.depositThreshold)
	return c, s.saveRiskFields(ctx, c)
}

// RecordReschedule bumps the reschedule counter and recomputes risk.
func (s *CustomerService) RecordReschedule(ctx context.Context, customerID string) (*models.Customer, error) {
	c, err := s.ByID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	c.RescheduleCount++
	workflow.Recompute(c, s.depositThreshold)
	return c, s.saveRiskFields(ctx, c)
}

// SetPaymentStatus updates payment standing and recomputes risk.
func (s *CustomerService) SetPaymentStatus(ctx context.Context, customerID string, status models.PaymentStatus) (*models.Customer, error) {
	if !status.IsValid() {
		return nil, NewValidationError("payment_status", "unknown payment status")
	}
	c, err := s.ByID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	c.PaymentStatus = status
	workflow.Recompute(c, s.depositThreshold)
	return c, s.saveRiskFields(ctx, c)
}

// RecomputeAllRisk recalculates risk for every customer in a tenant; used by
// the nightly maintenance pass. Returns the number of customers updated.
func (s *CustomerService) RecomputeAllRisk(ctx context.Context, tenantID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, selectCustomer+` WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var customers []*models.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return 0, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate customers: %w", err)
	}

	updated := 0
	for _, c := range customers {
		before := c.RiskScore
		workflow.Recompute(c, s.depositThreshold)
		if c.RiskScore == before {
			continue
		}
		if err := s.saveRiskFields(ctx, c); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

func (s *CustomerService) saveRiskFields(ctx context.Context, c *models.Customer) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE customers SET
			no_show_count = $2, reschedule_count = $3, cancel_count = $4,
			total_appointments = $5, confirmation_rate = $6, lifetime_value = $7,
			payment_status = $8, risk_score = $9, risk_category = $10,
			requires_deposit = $11, updated_at = now()
		WHERE id = $1`,
		c.ID, c.NoShowCount, c.RescheduleCount, c.CancelCount,
		c.TotalAppointments, c.ConfirmationRate, c.LifetimeValue,
		c.PaymentStatus, c.RiskScore, c.RiskCategory, c.RequiresDeposit)
	if err != nil {
		return fmt.Errorf("failed to update customer risk fields: %w", err)
	}
	return nil
}

const selectCustomer = `SELECT id, tenant_id, phone, email, name, timezone,
	no_show_count, reschedule_count, cancel_count, total_appointments,
	confirmation_rate, lifetime_value, payment_status, risk_score,
	risk_category, requires_deposit, created_at, updated_at FROM customers`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner) (*models.Customer, error) {
	var (
		c     models.Customer
		email sql.NullString
		name  sql.NullString
		tz    sql.NullString
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &email, &name, &tz,
		&c.NoShowCount, &c.RescheduleCount, &c.CancelCount, &c.TotalAppointments,
		&c.ConfirmationRate, &c.LifetimeValue, &c.PaymentStatus, &c.RiskScore,
		&c.RiskCategory, &c.RequiresDeposit, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan customer: %w", err)
	}
	c.Email = email.String
	c.Name = name.String
	c.Timezone = tz.String
	return &c, nil
}

// EnsureDepositRequirement applies the deposit rule at booking time: a
// customer whose risk is at or above the threshold gets deposit_required on
// the appointment.
func (s *CustomerService) EnsureDepositRequirement(c *models.Customer, a *models.Appointment, depositAmount float64) {
	if c.RequiresDeposit || c.RiskScore >= s.depositThreshold {
		a.DepositRequired = true
		a.DepositAmount = depositAmount
	}
}
