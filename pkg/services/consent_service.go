package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/models"
)

// ConsentService tracks messaging consent per phone. Lookups fail closed:
// no record means no consent.
type ConsentService struct {
	db *sql.DB
}

// NewConsentService creates a ConsentService.
func NewConsentService(db *sql.DB) *ConsentService {
	return &ConsentService{db: db}
}

// Grant records consent for a phone, clearing any previous opt-out.
func (s *ConsentService) Grant(ctx context.Context, tenantID, customerID, phone, method, ipAddress string) (*models.Consent, error) {
	if !contracts.ValidatePhone(phone) {
		return nil, NewValidationError("phone", "must be E.164")
	}

	now := time.Now().UTC()
	c := &models.Consent{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		CustomerID:  customerID,
		Phone:       phone,
		Granted:     true,
		GrantedAt:   &now,
		GrantMethod: method,
		IPAddress:   ipAddress,
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO consents (id, tenant_id, customer_id, phone, granted, granted_at, grant_method, ip_address)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7)
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			granted = TRUE, granted_at = EXCLUDED.granted_at,
			grant_method = EXCLUDED.grant_method, ip_address = EXCLUDED.ip_address,
			opted_out_at = NULL, updated_at = now()
		RETURNING id, created_at, updated_at`,
		c.ID, tenantID, nullIfEmpty(customerID), phone, now, method, nullIfEmpty(ipAddress),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to grant consent: %w", err)
	}
	return c, nil
}

// OptOut records an opt-out for a phone. Opt-outs stick even if no consent
// row existed, so a later grant is required to resume messaging.
func (s *ConsentService) OptOut(ctx context.Context, tenantID, phone string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consents (id, tenant_id, phone, granted, opted_out_at)
		VALUES ($1, $2, $3, FALSE, now())
		ON CONFLICT (tenant_id, phone) DO UPDATE SET
			opted_out_at = now(), updated_at = now()`,
		uuid.NewString(), tenantID, phone)
	if err != nil {
		return fmt.Errorf("failed to record opt-out: %w", err)
	}
	return nil
}

// ByPhone fetches the consent record for a phone.
func (s *ConsentService) ByPhone(ctx context.Context, tenantID, phone string) (*models.Consent, error) {
	var (
		c          models.Consent
		customerID sql.NullString
		grantedAt  sql.NullTime
		method     sql.NullString
		optedOutAt sql.NullTime
		ip         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, customer_id, phone, granted, granted_at,
			grant_method, opted_out_at, ip_address, created_at, updated_at
		FROM consents WHERE tenant_id = $1 AND phone = $2`,
		tenantID, phone,
	).Scan(&c.ID, &c.TenantID, &customerID, &c.Phone, &c.Granted, &grantedAt,
		&method, &optedOutAt, &ip, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load consent: %w", err)
	}

	c.CustomerID = customerID.String
	c.GrantMethod = method.String
	c.IPAddress = ip.String
	if grantedAt.Valid {
		c.GrantedAt = &grantedAt.Time
	}
	if optedOutAt.Valid {
		c.OptedOutAt = &optedOutAt.Time
	}
	return &c, nil
}

// HasConsent reports whether outbound messaging to phone is permitted right
// now. Missing records and lookup errors both read as "no".
func (s *ConsentService) HasConsent(ctx context.Context, tenantID, phone string) bool {
	c, err := s.ByPhone(ctx, tenantID, phone)
	if err != nil {
		return false
	}
	return c.Current()
}

// ConsentFor satisfies the guardrails consent interface. A missing record is
// returned as nil consent (which reads as "not granted"), not an error.
func (s *ConsentService) ConsentFor(tenantID, phone string) (*models.Consent, error) {
	c, err := s.ByPhone(context.Background(), tenantID, phone)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}
