package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/events"
)

// maxDeliveryFailures is the consecutive-failure count after which a
// subscription is deactivated instead of retried forever.
const maxDeliveryFailures = 10

// SubscriptionService manages webhook subscriptions and implements the
// dispatcher's SubscriptionSource.
type SubscriptionService struct {
	db *sql.DB
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(db *sql.DB) *SubscriptionService {
	return &SubscriptionService{db: db}
}

// Create registers a webhook subscription.
func (s *SubscriptionService) Create(ctx context.Context, sub *events.Subscription) error {
	u, err := url.Parse(sub.CallbackURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewValidationError("callbackUrl", "must be an absolute http(s) URL")
	}
	if sub.Secret == "" {
		return NewValidationError("secret", "is required")
	}

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	typesJSON, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return fmt.Errorf("failed to marshal event types: %w", err)
	}

	sub.Active = true
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (id, tenant_id, callback_url, event_types, secret, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING created_at, updated_at`,
		sub.ID, sub.TenantID, sub.CallbackURL, typesJSON, sub.Secret,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Delete removes a subscription. Scoped to the tenant so one tenant cannot
// delete another's subscription by id.
func (s *SubscriptionService) Delete(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByID fetches one subscription scoped to its tenant.
func (s *SubscriptionService) ByID(ctx context.Context, tenantID, id string) (*events.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		selectSubscription+` WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanSubscription(row)
}

// ListByTenant returns all of a tenant's subscriptions, active or not.
func (s *SubscriptionService) ListByTenant(ctx context.Context, tenantID string) ([]*events.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSubscription+` WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// ActiveForTenant returns the tenant's active subscriptions for dispatch.
func (s *SubscriptionService) ActiveForTenant(ctx context.Context, tenantID string) ([]*events.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		selectSubscription+` WHERE tenant_id = $1 AND active ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

// RecordDelivery tracks consecutive delivery failures. Success resets the
// count; crossing maxDeliveryFailures deactivates the subscription.
func (s *SubscriptionService) RecordDelivery(ctx context.Context, subscriptionID string, success bool) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET failure_count = 0, updated_at = now() WHERE id = $1`,
			subscriptionID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE subscriptions SET
				failure_count = failure_count + 1,
				active = (failure_count + 1 < $2),
				updated_at = now()
			WHERE id = $1`,
			subscriptionID, maxDeliveryFailures)
	}
	if err != nil {
		return fmt.Errorf("failed to record delivery result: %w", err)
	}
	return nil
}

// Reactivate clears the failure count and re-enables a deactivated
// subscription.
func (s *SubscriptionService) Reactivate(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = TRUE, failure_count = 0, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectSubscription = `SELECT id, tenant_id, callback_url, event_types,
	secret, active, failure_count, created_at, updated_at FROM subscriptions`

func scanSubscription(row rowScanner) (*events.Subscription, error) {
	var (
		sub       events.Subscription
		typesJSON []byte
	)
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.CallbackURL, &typesJSON,
		&sub.Secret, &sub.Active, &sub.FailureCount, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	if len(typesJSON) > 0 {
		if err := json.Unmarshal(typesJSON, &sub.EventTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event types: %w", err)
		}
	}
	return &sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*events.Subscription, error) {
	var out []*events.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
