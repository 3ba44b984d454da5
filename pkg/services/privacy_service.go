package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aro-automation/aro/pkg/models"
)

// PrivacyExport is the full data package returned for a subject access
// request.
type PrivacyExport struct {
	Customer     *models.Customer      `json:"customer"`
	Appointments []*models.Appointment `json:"appointments"`
	Consent      *models.Consent       `json:"consent,omitempty"`
	ExportedAt   time.Time             `json:"exportedAt"`
}

// PrivacyService implements subject access and erasure over the other
// services. Erasure anonymizes rather than deletes: appointment history and
// audit entries keep their shape so counters and the audit chain stay intact.
type PrivacyService struct {
	customers    *CustomerService
	appointments *AppointmentService
	consents     *ConsentService
	audit        *AuditService
}

// NewPrivacyService creates a PrivacyService.
func NewPrivacyService(customers *CustomerService, appointments *AppointmentService, consents *ConsentService, audit *AuditService) *PrivacyService {
	return &PrivacyService{
		customers:    customers,
		appointments: appointments,
		consents:     consents,
		audit:        audit,
	}
}

// Export collects everything stored about a customer phone.
func (s *PrivacyService) Export(ctx context.Context, tenantID, phone string) (*PrivacyExport, error) {
	customer, err := s.customers.ByPhone(ctx, tenantID, phone)
	if err != nil {
		return nil, err
	}

	appointments, err := s.appointments.ListByCustomer(ctx, customer.ID, 200)
	if err != nil {
		return nil, err
	}

	export := &PrivacyExport{
		Customer:     customer,
		Appointments: appointments,
		ExportedAt:   time.Now().UTC(),
	}
	if consent, err := s.consents.ByPhone(ctx, tenantID, phone); err == nil {
		export.Consent = consent
	}

	if err := s.audit.Record(ctx, &models.AuditEntry{
		TenantID: tenantID,
		Action:   "privacy.export",
		Actor:    "admin",
		Subject:  customer.ID,
	}); err != nil {
		return nil, err
	}
	return export, nil
}

// Erase anonymizes a customer's identifying fields and revokes consent. The
// row itself and its behavioral counters survive so risk statistics and
// referential integrity are unaffected.
func (s *PrivacyService) Erase(ctx context.Context, tenantID, phone string) error {
	customer, err := s.customers.ByPhone(ctx, tenantID, phone)
	if err != nil {
		return err
	}

	anonymized := tombstonePhone(customer.ID)
	_, err = s.customers.db.ExecContext(ctx,
		`UPDATE customers SET phone = $2, email = NULL, name = NULL, updated_at = now()
		WHERE id = $1`, customer.ID, anonymized)
	if err != nil {
		return fmt.Errorf("failed to anonymize customer: %w", err)
	}

	if err := s.consents.OptOut(ctx, tenantID, phone); err != nil {
		return err
	}

	return s.audit.Record(ctx, &models.AuditEntry{
		TenantID: tenantID,
		Action:   "privacy.erase",
		Actor:    "admin",
		Subject:  customer.ID,
	})
}

// tombstonePhone derives a stable, unreachable replacement number from the
// customer id. The +999 country code is unassigned, so tombstones can never
// collide with a real subscriber.
func tombstonePhone(customerID string) string {
	sum := sha256.Sum256([]byte(customerID))
	n := binary.BigEndian.Uint64(sum[:8]) % 1_000_000_000_000
	return fmt.Sprintf("+999%012d", n)
}
