package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CalendlyAdapter normalizes Calendly booking webhooks and requests
// reschedule links.
type CalendlyAdapter struct {
	webhookSecret []byte
	apiToken      string
	baseURL       string
	pipeline      *Pipeline
	httpClient    *http.Client
}

// NewCalendlyAdapter creates the booking adapter.
func NewCalendlyAdapter(webhookSecret []byte, apiToken, baseURL string, pipeline *Pipeline) *CalendlyAdapter {
	return &CalendlyAdapter{
		webhookSecret: webhookSecret,
		apiToken:      apiToken,
		baseURL:       baseURL,
		pipeline:      pipeline,
		httpClient:    &http.Client{},
	}
}

func (a *CalendlyAdapter) Name() string   { return "calendly" }
func (a *CalendlyAdapter) Domain() string { return DomainBooking }

// VerifySignature checks the Calendly webhook HMAC.
func (a *CalendlyAdapter) VerifySignature(rawBody []byte, signature string) bool {
	return VerifyHMAC(a.webhookSecret, rawBody, signature)
}

// calendlyWebhook is the subset of Calendly's payload we read.
type calendlyWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		URI       string    `json:"uri"`
		StartTime time.Time `json:"start_time"`
		Timezone  string    `json:"timezone"`
		EventType struct {
			Name            string `json:"name"`
			DurationMinutes int    `json:"duration"`
		} `json:"event_type"`
		Invitee struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Phone string `json:"text_reminder_number"`
		} `json:"invitee"`
	} `json:"payload"`
}

// HandleWebhook verifies the signature and normalizes the booking event.
func (a *CalendlyAdapter) HandleWebhook(rawBody []byte, signature string) (*NormalizedEvent, error) {
	if !a.VerifySignature(rawBody, signature) {
		return nil, ErrBadSignature
	}

	var wh calendlyWebhook
	if err := json.Unmarshal(rawBody, &wh); err != nil {
		return nil, fmt.Errorf("parsing calendly webhook: %w", err)
	}

	now := time.Now().UTC()
	evt := &NormalizedEvent{
		Source:          a.Name(),
		ProviderEventID: wh.Payload.URI,
		EventKind:       wh.Event,
		OccurredAt:      now,
		Booking: &BookingDetails{
			ExternalID:      wh.Payload.URI,
			CustomerPhone:   wh.Payload.Invitee.Phone,
			CustomerEmail:   wh.Payload.Invitee.Email,
			CustomerName:    wh.Payload.Invitee.Name,
			AppointmentDate: wh.Payload.StartTime.UTC(),
			Timezone:        wh.Payload.Timezone,
			ServiceType:     wh.Payload.EventType.Name,
			DurationMinutes: wh.Payload.EventType.DurationMinutes,
		},
	}
	evt.IdempotencyKey = IdempotencyKey(a.Name(), evt.ProviderEventID, nil, now)
	return evt, nil
}

// Send requests a single-use reschedule link for the booking in
// req.Metadata["externalId"].
func (a *CalendlyAdapter) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	var result SendResult
	err := a.pipeline.Do(ctx, a.Name(), func(ctx context.Context) error {
		body, _ := json.Marshal(map[string]string{
			"event": req.Metadata["externalId"],
		})
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			a.baseURL+"/scheduling_links", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+a.apiToken)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkProviderStatus(resp.StatusCode); err != nil {
			return err
		}

		var out struct {
			Resource struct {
				BookingURL string `json:"booking_url"`
			} `json:"resource"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding calendly response: %w", err)
		}
		result = SendResult{ProviderID: out.Resource.BookingURL, Status: "created"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
