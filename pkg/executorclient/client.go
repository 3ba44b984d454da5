// Package executorclient is the Core-side HTTP client for the Executor's
// execution API.
package executorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aro-automation/aro/pkg/contracts"
)

// defaultTimeout bounds one execution round-trip, including the Executor's
// own provider call.
const defaultTimeout = 30 * time.Second

// Client posts executor commands and decodes result events.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// New creates a client for the Executor at baseURL authenticating with
// serviceKey.
func New(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// Send delivers one command to POST /v1/executions. Any non-2xx response is
// an error; the dispatch worker decides whether to retry.
func (c *Client) Send(ctx context.Context, cmd contracts.ExecutorCommand) (*contracts.ExecutorResultEvent, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal executor command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/executions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("X-Tenant-Id", cmd.TenantID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope contracts.ErrorEnvelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error.Code != "" {
			return nil, fmt.Errorf("executor rejected command (%d %s): %s",
				resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		return nil, fmt.Errorf("executor returned status %d", resp.StatusCode)
	}

	var result contracts.ExecutorResultEvent
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode executor result: %w", err)
	}
	return &result, nil
}
