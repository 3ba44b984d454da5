package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aro-automation/aro/pkg/resilience"
)

// deliveryTimeout bounds one webhook POST to a subscriber.
const deliveryTimeout = 10 * time.Second

// Subscription is a registered webhook consumer. EventTypes empty means all
// types for the tenant.
type Subscription struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	CallbackURL  string    `json:"callbackUrl"`
	EventTypes   []string  `json:"eventTypes,omitempty"`
	Secret       string    `json:"-"`
	Active       bool      `json:"active"`
	FailureCount int       `json:"failureCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Matches reports whether the subscription wants this event type.
func (s *Subscription) Matches(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// SubscriptionSource is the read/report surface the dispatcher needs from the
// subscription service.
type SubscriptionSource interface {
	// ActiveForTenant returns active subscriptions for a tenant.
	ActiveForTenant(ctx context.Context, tenantID string) ([]*Subscription, error)
	// RecordDelivery reports a delivery outcome so the service can track
	// failure counts and deactivate dead endpoints.
	RecordDelivery(ctx context.Context, subscriptionID string, success bool) error
}

// Dispatcher delivers stored events to matching webhook subscriptions. Each
// delivery is signed with the subscription's secret so consumers can verify
// origin the same way inbound webhooks are verified here.
type Dispatcher struct {
	subs       SubscriptionSource
	httpClient *http.Client
	retry      resilience.RetryConfig
}

// NewDispatcher creates a dispatcher over the subscription source.
func NewDispatcher(subs SubscriptionSource) *Dispatcher {
	return &Dispatcher{
		subs:       subs,
		httpClient: &http.Client{Timeout: deliveryTimeout},
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			Strategy:     resilience.RetryExponential,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		},
	}
}

// Dispatch fans an event out to every matching active subscription. Failures
// are reported to the source and logged; one dead subscriber never blocks
// the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, evt *StoredEvent) {
	subs, err := d.subs.ActiveForTenant(ctx, evt.TenantID)
	if err != nil {
		slog.Error("Failed to load subscriptions for dispatch",
			"tenant_id", evt.TenantID, "event_type", evt.EventType, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Matches(evt.EventType) {
			continue
		}
		if err := d.Deliver(ctx, sub, evt); err != nil {
			slog.Warn("Webhook delivery failed",
				"subscription_id", sub.ID, "event_id", evt.EventID, "error", err)
			if reportErr := d.subs.RecordDelivery(ctx, sub.ID, false); reportErr != nil {
				slog.Error("Failed to record delivery failure",
					"subscription_id", sub.ID, "error", reportErr)
			}
			continue
		}
		if err := d.subs.RecordDelivery(ctx, sub.ID, true); err != nil {
			slog.Error("Failed to record delivery success",
				"subscription_id", sub.ID, "error", err)
		}
	}
}

// Deliver POSTs one event to one subscription, retrying transient failures.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, evt *StoredEvent) error {
	body, err := json.Marshal(deliveryBody{Event: evt, Cursor: evt.Cursor()})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery body: %w", err)
	}
	signature := SignDelivery([]byte(sub.Secret), body)

	return resilience.Retry(ctx, d.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackURL, bytes.NewReader(body))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Aro-Signature", "sha256="+signature)
		req.Header.Set("X-Aro-Event-Id", evt.EventID)

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
		default:
			return resilience.Permanent(fmt.Errorf("subscriber rejected delivery: status %d", resp.StatusCode))
		}
	})
}

type deliveryBody struct {
	Event  *StoredEvent `json:"event"`
	Cursor string       `json:"cursor"`
}

// SignDelivery returns the hex HMAC-SHA256 of body under secret.
func SignDelivery(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
