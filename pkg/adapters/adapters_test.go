package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aro-automation/aro/pkg/resilience"
)

func testPipeline(t *testing.T) *Pipeline {
	t.Helper()
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          time.Second,
		MonitoringPeriod: time.Minute,
	})
	p := NewPipeline(DomainMessaging, breakers, resilience.BucketConfig{
		Requests: 100, Period: time.Second, Burst: 100,
	})
	// Keep unit tests fast when a stub returns errors.
	p.Retry = resilience.RetryConfig{MaxAttempts: 2, Strategy: resilience.RetryFixed, InitialDelay: time.Millisecond}
	return p
}

func TestCheckProviderStatus(t *testing.T) {
	assert.NoError(t, checkProviderStatus(200))
	assert.NoError(t, checkProviderStatus(201))

	assert.ErrorIs(t, checkProviderStatus(429), ErrProviderThrottle)
	assert.ErrorIs(t, checkProviderStatus(500), ErrProviderServer)
	assert.ErrorIs(t, checkProviderStatus(503), ErrProviderServer)

	// 4xx must be permanent so the retry loop stops immediately.
	err := checkProviderStatus(400)
	require.Error(t, err)
	calls := 0
	retryErr := resilience.Retry(context.Background(), resilience.DefaultRetryConfig(), func() error {
		calls++
		return err
	})
	assert.Error(t, retryErr)
	assert.Equal(t, 1, calls, "permanent status must not retry")
}

func TestCalendlyHandleWebhook(t *testing.T) {
	secret := []byte("cal-secret")
	adapter := NewCalendlyAdapter(secret, "token", "https://api.calendly.test", testPipeline(t))

	payload := map[string]any{
		"event": "invitee.created",
		"payload": map[string]any{
			"uri":        "https://api.calendly.test/scheduled_events/abc123",
			"start_time": "2026-04-01T15:00:00Z",
			"timezone":   "America/New_York",
			"event_type": map[string]any{"name": "Consultation", "duration": 30},
			"invitee": map[string]any{
				"name":                 "Dana Reyes",
				"email":                "dana@example.com",
				"text_reminder_number": "+15551234567",
			},
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	t.Run("valid delivery normalized", func(t *testing.T) {
		evt, err := adapter.HandleWebhook(body, ComputeHMAC(secret, body))
		require.NoError(t, err)

		assert.Equal(t, "calendly", evt.Source)
		assert.Equal(t, "invitee.created", evt.EventKind)
		assert.Equal(t, "calendly:https://api.calendly.test/scheduled_events/abc123", evt.IdempotencyKey)
		require.NotNil(t, evt.Booking)
		assert.Equal(t, "+15551234567", evt.Booking.CustomerPhone)
		assert.Equal(t, "Dana Reyes", evt.Booking.CustomerName)
		assert.Equal(t, "Consultation", evt.Booking.ServiceType)
		assert.Equal(t, 30, evt.Booking.DurationMinutes)
		assert.Equal(t, "America/New_York", evt.Booking.Timezone)
		assert.Equal(t, time.Date(2026, 4, 1, 15, 0, 0, 0, time.UTC), evt.Booking.AppointmentDate)
	})

	t.Run("bad signature rejected before parsing", func(t *testing.T) {
		_, err := adapter.HandleWebhook(body, ComputeHMAC([]byte("wrong"), body))
		assert.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestTwilioHandleWebhook(t *testing.T) {
	secret := []byte("tw-secret")
	adapter := NewTwilioAdapter(secret, "AC123", "token", "+15550001111", "https://api.twilio.test", testPipeline(t))

	body, err := json.Marshal(map[string]any{
		"MessageSid": "SM900",
		"From":       "+15551234567",
		"To":         "+15550001111",
		"Body":       "RESCHEDULE please",
	})
	require.NoError(t, err)

	evt, err := adapter.HandleWebhook(body, ComputeHMAC(secret, body))
	require.NoError(t, err)

	assert.Equal(t, "twilio", evt.Source)
	assert.Equal(t, "message.received", evt.EventKind)
	assert.Equal(t, "twilio:SM900", evt.IdempotencyKey)
	require.NotNil(t, evt.Message)
	assert.Equal(t, "+15551234567", evt.Message.From)
	assert.Equal(t, "RESCHEDULE please", evt.Message.Body)
}

func TestTwilioSend(t *testing.T) {
	var gotAuthUser, gotTo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthUser, _, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotTo = r.PostFormValue("To")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM42", "status": "queued"})
	}))
	defer srv.Close()

	adapter := NewTwilioAdapter(nil, "AC123", "token", "+15550001111", srv.URL, testPipeline(t))
	res, err := adapter.Send(context.Background(), SendRequest{
		To:   "+15551234567",
		Body: "Your appointment is confirmed.",
	})
	require.NoError(t, err)

	assert.Equal(t, "SM42", res.ProviderID)
	assert.Equal(t, "queued", res.Status)
	assert.Equal(t, "AC123", gotAuthUser)
	assert.Equal(t, "+15551234567", gotTo)
}

func TestTwilioSendRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"sid": "SM43", "status": "queued"})
	}))
	defer srv.Close()

	adapter := NewTwilioAdapter(nil, "AC123", "token", "+15550001111", srv.URL, testPipeline(t))
	res, err := adapter.Send(context.Background(), SendRequest{To: "+15551234567", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "SM43", res.ProviderID)
	assert.Equal(t, 2, calls)
}

func TestTwilioSendStopsOnClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	adapter := NewTwilioAdapter(nil, "AC123", "token", "+15550001111", srv.URL, testPipeline(t))
	_, err := adapter.Send(context.Background(), SendRequest{To: "bad", Body: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx must not retry")
}

func TestStripeHandleWebhook(t *testing.T) {
	secret := []byte("st-secret")
	adapter := NewStripeAdapter(secret, "sk_test", "https://api.stripe.test", testPipeline(t))

	body, err := json.Marshal(map[string]any{
		"id":   "evt_777",
		"type": "payment_intent.succeeded",
		"data": map[string]any{
			"object": map[string]any{
				"id": "pi_1", "amount": 5000, "currency": "usd", "status": "succeeded",
			},
		},
	})
	require.NoError(t, err)

	evt, err := adapter.HandleWebhook(body, ComputeHMAC(secret, body))
	require.NoError(t, err)

	assert.Equal(t, "stripe:evt_777", evt.IdempotencyKey)
	require.NotNil(t, evt.Payment)
	assert.Equal(t, "pi_1", evt.Payment.PaymentID)
	assert.Equal(t, 50.0, evt.Payment.Amount)
	assert.Equal(t, "succeeded", evt.Payment.Status)
}

func TestStripeSendCreatesPaymentLink(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "2500", r.PostFormValue("amount"))
		assert.Equal(t, "apt-1", r.PostFormValue("metadata[appointmentId]"))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "plink_1", "url": "https://pay.stripe.test/plink_1",
		})
	}))
	defer srv.Close()

	adapter := NewStripeAdapter(nil, "sk_test", srv.URL, testPipeline(t))
	res, err := adapter.Send(context.Background(), SendRequest{
		Amount:   25.0,
		Metadata: map[string]string{"appointmentId": "apt-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "plink_1", res.ProviderID)
}

func TestPipelineBreakerOpens(t *testing.T) {
	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MonitoringPeriod: time.Minute,
	})
	p := NewPipeline(DomainMessaging, breakers, resilience.BucketConfig{
		Requests: 100, Period: time.Second, Burst: 100,
	})
	p.Retry = resilience.RetryConfig{MaxAttempts: 1}

	boom := errors.New("provider down")
	for i := 0; i < 2; i++ {
		err := p.Do(context.Background(), "twilio", func(ctx context.Context) error { return boom })
		require.Error(t, err)
	}

	var called bool
	err := p.Do(context.Background(), "twilio", func(ctx context.Context) error {
		called = true
		return nil
	})
	var openErr *resilience.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, called, "open breaker must fail fast without calling the provider")
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}
