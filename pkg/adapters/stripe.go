package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StripeAdapter creates payment links and normalizes payment webhooks.
type StripeAdapter struct {
	webhookSecret []byte
	apiKey        string
	baseURL       string
	pipeline      *Pipeline
	httpClient    *http.Client
}

// NewStripeAdapter creates the payment adapter.
func NewStripeAdapter(webhookSecret []byte, apiKey, baseURL string, pipeline *Pipeline) *StripeAdapter {
	return &StripeAdapter{
		webhookSecret: webhookSecret,
		apiKey:        apiKey,
		baseURL:       baseURL,
		pipeline:      pipeline,
		httpClient:    &http.Client{},
	}
}

func (a *StripeAdapter) Name() string   { return "stripe" }
func (a *StripeAdapter) Domain() string { return DomainPayment }

// VerifySignature checks the webhook HMAC over the raw body.
func (a *StripeAdapter) VerifySignature(rawBody []byte, signature string) bool {
	return VerifyHMAC(a.webhookSecret, rawBody, signature)
}

// stripeWebhook is the subset of Stripe's event payload we read.
type stripeWebhook struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Amount   int64             `json:"amount"`
			Currency string            `json:"currency"`
			Status   string            `json:"status"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// HandleWebhook verifies and normalizes a payment event.
func (a *StripeAdapter) HandleWebhook(rawBody []byte, signature string) (*NormalizedEvent, error) {
	if !a.VerifySignature(rawBody, signature) {
		return nil, ErrBadSignature
	}

	var wh stripeWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return nil, fmt.Errorf("parsing stripe webhook: %w", err)
	}

	now := time.Now().UTC()
	evt := &NormalizedEvent{
		Source:          a.Name(),
		ProviderEventID: wh.ID,
		EventKind:       wh.Type,
		OccurredAt:      now,
		Payment: &PaymentDetails{
			PaymentID: wh.Data.Object.ID,
			Amount:    float64(wh.Data.Object.Amount) / 100,
			Currency:  wh.Data.Object.Currency,
			Status:    wh.Data.Object.Status,
			Metadata:  wh.Data.Object.Metadata,
		},
	}
	evt.IdempotencyKey = IdempotencyKey(a.Name(), wh.ID, nil, now)
	return evt, nil
}

// Send creates a payment link for the deposit amount in req.Amount.
func (a *StripeAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var result SendResult
	err := a.pipeline.Do(ctx, a.Name(), func(ctx context.Context) error {
		form := url.Values{}
		form.Set("amount", strconv.FormatInt(int64(req.Amount*100), 10))
		form.Set("currency", "usd")
		for k, v := range req.Metadata {
			form.Set("metadata["+k+"]", v)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/v1/payment_links", strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
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
			ID  string `json:"id"`
			URL string `json:"url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding stripe response: %w", err)
		}
		result = SendResult{ProviderID: out.ID, Status: "created"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
