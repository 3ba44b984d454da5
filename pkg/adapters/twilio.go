package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aro-automation/aro/pkg/resilience"
)

// Provider call outcomes that the retry layer treats as transient.
var (
	ErrBadSignature     = errors.New("webhook signature verification failed")
	ErrProviderThrottle = errors.New("provider throttled the request")
	ErrProviderServer   = errors.New("provider server error")
)

// checkProviderStatus classifies a provider HTTP status: 429/5xx are
// transient (retryable), other non-2xx are permanent.
func checkProviderStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrProviderThrottle
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrProviderServer, code)
	default:
		return permanentStatusError(code)
	}
}

func permanentStatusError(code int) error {
	return resilience.Permanent(fmt.Errorf("provider rejected request: status %d", code))
}

// TwilioAdapter sends SMS and normalizes inbound-message webhooks.
type TwilioAdapter struct {
	webhookSecret []byte
	accountSID    string
	authToken     string
	fromNumber    string
	baseURL       string
	pipeline      *Pipeline
	httpClient    *http.Client
}

// NewTwilioAdapter creates the messaging adapter.
func NewTwilioAdapter(webhookSecret []byte, accountSID, authToken, fromNumber, baseURL string, pipeline *Pipeline) *TwilioAdapter {
	return &TwilioAdapter{
		webhookSecret: webhookSecret,
		accountSID:    accountSID,
		authToken:     authToken,
		fromNumber:    fromNumber,
		baseURL:       baseURL,
		pipeline:      pipeline,
		httpClient:    &http.Client{},
	}
}

func (a *TwilioAdapter) Name() string   { return "twilio" }
func (a *TwilioAdapter) Domain() string { return DomainMessaging }

// VerifySignature checks the webhook HMAC over the raw body.
func (a *TwilioAdapter) VerifySignature(rawBody []byte, signature string) bool {
	return VerifyHMAC(a.webhookSecret, rawBody, signature)
}

// twilioInbound is the subset of Twilio's inbound-message payload we read.
type twilioInbound struct {
	MessageSid string `json:"MessageSid"`
	From       string `json:"From"`
	To         string `json:"To"`
	Body       string `json:"Body"`
}

// HandleWebhook verifies and normalizes an inbound SMS delivery.
func (a *TwilioAdapter) HandleWebhook(rawBody []byte, signature string) (*NormalizedEvent, error) {
	if !a.VerifySignature(rawBody, signature) {
		return nil, ErrBadSignature
	}

	var in twilioInbound
	if err := json.Unmarshal(rawBody, &in); err != nil {
		return nil, fmt.Errorf("parsing twilio webhook: %w", err)
	}

	now := time.Now().UTC()
	evt := &NormalizedEvent{
		Source:          a.Name(),
		ProviderEventID: in.MessageSid,
		EventKind:       "message.received",
		OccurredAt:      now,
		Message: &MessageDetails{
			From:      in.From,
			To:        in.To,
			Body:      in.Body,
			MessageID: in.MessageSid,
		},
	}
	evt.IdempotencyKey = IdempotencyKey(a.Name(), in.MessageSid, map[string]any{
		"from": in.From, "body": in.Body,
	}, now)
	return evt, nil
}

// Send delivers an SMS through the resilience pipeline.
func (a *TwilioAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var result SendResult
	err := a.pipeline.Do(ctx, a.Name(), func(ctx context.Context) error {
		form := url.Values{}
		form.Set("To", req.To)
		form.Set("From", a.fromNumber)
		form.Set("Body", req.Body)

		endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.baseURL, a.accountSID)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
			strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		httpReq.SetBasicAuth(a.accountSID, a.authToken)
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkProviderStatus(resp.StatusCode); err != nil {
			return err
		}

		var out struct {
			Sid    string `json:"sid"`
			Status string `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding twilio response: %w", err)
		}
		result = SendResult{ProviderID: out.Sid, Status: out.Status}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
