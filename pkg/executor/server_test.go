package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aro-automation/aro/pkg/contracts"
)

type fakeRuntime struct {
	mu      sync.Mutex
	calls   int
	payload map[string]any
	err     error
}

func (r *fakeRuntime) Invoke(_ context.Context, _ contracts.ExecutorCommand) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.payload, r.err
}

func (r *fakeRuntime) Mode() RuntimeMode { return RuntimeModeCLI }

func (r *fakeRuntime) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()
	return &Config{
		SharedToken:         "svc-key",
		AllowedTenants:      []string{"tenant-a"},
		AllowedCommands:     []string{contracts.CommandSendSMS},
		TenantRatePerMinute: 100,
		ManifestVersion:     "v1",
		IdempotencyFile:     filepath.Join(dir, "idempotency.json"),
		OutboxFile:          filepath.Join(dir, "outbox.json"),
		OutboxMaxEvents:     100,
	}
}

func newTestServer(t *testing.T, cfg *Config, rt Runtime) (*Server, *IdempotencyStore, *Outbox) {
	t.Helper()
	idem, err := NewIdempotencyStore(cfg.IdempotencyFile)
	require.NoError(t, err)
	outbox, err := NewOutbox(cfg.OutboxFile, cfg.OutboxMaxEvents)
	require.NoError(t, err)
	return NewServer(cfg, rt, idem, outbox), idem, outbox
}

func validCommand() contracts.ExecutorCommand {
	return contracts.ExecutorCommand{
		ExecutionID:               "0f8fad5b-d9cb-469f-a165-70867728950e",
		TenantID:                  "tenant-a",
		CorrelationID:             "corr-1",
		CommandType:               contracts.CommandSendSMS,
		AuthorizedByCore:          true,
		PermissionManifestVersion: "v1",
		Payload:                   map[string]any{"to": "+15551234567", "body": "hi"},
	}
}

func postExecution(t *testing.T, s *Server, token, tenantHeader string, cmd contracts.ExecutorCommand) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(cmd)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/executions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenantHeader != "" {
		req.Header.Set("X-Tenant-Id", tenantHeader)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope contracts.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func TestExecuteSuccess(t *testing.T) {
	rt := &fakeRuntime{payload: map[string]any{"openclawOutput": map[string]any{"sid": "SM123"}}}
	srv, _, outbox := newTestServer(t, testConfig(t), rt)

	rec := postExecution(t, srv, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result contracts.ExecutorResultEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Succeeded())
	assert.Equal(t, contracts.EventTypeExecutorSucceeded, result.EventType)
	assert.Equal(t, contracts.CommandSendSMS, result.Payload["acknowledgedCommandType"])
	assert.Equal(t, "cli", result.Payload["openclawRuntimeMode"])
	assert.NotEmpty(t, result.EventID)

	// The result was in the outbox before the response was written.
	events := outbox.Events()
	require.Len(t, events, 1)
	assert.Equal(t, result.EventID, events[0].EventID)
}

func TestExecuteFailureEmitsFailedEvent(t *testing.T) {
	rt := &fakeRuntime{err: assert.AnError}
	srv, _, outbox := newTestServer(t, testConfig(t), rt)

	rec := postExecution(t, srv, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, rec.Code)

	var result contracts.ExecutorResultEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.Succeeded())
	assert.Equal(t, contracts.EventTypeExecutorFailed, result.EventType)
	assert.NotEmpty(t, result.Reason)
	assert.Equal(t, 1, outbox.Len(), "failed executions are durable too")
}

func TestExecuteIdempotentReplay(t *testing.T) {
	rt := &fakeRuntime{payload: map[string]any{"openclawOutput": "ok"}}
	srv, _, outbox := newTestServer(t, testConfig(t), rt)

	first := postExecution(t, srv, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, first.Code)
	second := postExecution(t, srv, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, 1, rt.callCount(), "replay must not reach the runtime")
	assert.Equal(t, 1, outbox.Len(), "replay must not append to the outbox")

	var a, b contracts.ExecutorResultEvent
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.EventID, b.EventID)
}

func TestIdempotencySurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	rt := &fakeRuntime{payload: map[string]any{"openclawOutput": "ok"}}

	srv, _, _ := newTestServer(t, cfg, rt)
	rec := postExecution(t, srv, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, rec.Code)

	// Same files, fresh process.
	srv2, _, outbox2 := newTestServer(t, cfg, rt)
	rec2 := postExecution(t, srv2, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, rec2.Code)

	assert.Equal(t, 1, rt.callCount())
	assert.Equal(t, 1, outbox2.Len())
}

func TestAdmissionLadder(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		tenant     string
		mutate     func(*contracts.ExecutorCommand)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "bad bearer token",
			token:      "wrong",
			tenant:     "tenant-a",
			wantStatus: http.StatusUnauthorized,
			wantCode:   contracts.CodeUnauthorized,
		},
		{
			name:       "missing tenant header",
			token:      "svc-key",
			tenant:     "",
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeTenantHeaderRequired,
		},
		{
			name:       "tenant header mismatch",
			token:      "svc-key",
			tenant:     "tenant-b",
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeTenantMismatch,
		},
		{
			name:   "tenant not allow-listed",
			token:  "svc-key",
			tenant: "tenant-unknown",
			mutate: func(cmd *contracts.ExecutorCommand) {
				cmd.TenantID = "tenant-unknown"
			},
			wantStatus: http.StatusForbidden,
			wantCode:   contracts.CodeTenantNotAllowed,
		},
		{
			name:   "manifest version mismatch",
			token:  "svc-key",
			tenant: "tenant-a",
			mutate: func(cmd *contracts.ExecutorCommand) {
				cmd.PermissionManifestVersion = "v2"
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeManifestVersionMismatch,
		},
		{
			name:   "command not allow-listed",
			token:  "svc-key",
			tenant: "tenant-a",
			mutate: func(cmd *contracts.ExecutorCommand) {
				cmd.CommandType = contracts.CommandCreatePaymentLink
			},
			wantStatus: http.StatusForbidden,
			wantCode:   contracts.CodeCommandNotAllowed,
		},
		{
			name:   "not authorized by core",
			token:  "svc-key",
			tenant: "tenant-a",
			mutate: func(cmd *contracts.ExecutorCommand) {
				cmd.AuthorizedByCore = false
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   contracts.CodeValidationError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{}
			srv, idem, outbox := newTestServer(t, testConfig(t), rt)

			cmd := validCommand()
			if tt.mutate != nil {
				tt.mutate(&cmd)
			}

			rec := postExecution(t, srv, tt.token, tt.tenant, cmd)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decodeError(t, rec))

			// A refused command leaves no trace.
			assert.Equal(t, 0, rt.callCount())
			assert.Equal(t, 0, outbox.Len())
			assert.Equal(t, 0, idem.Len())
		})
	}
}

func TestTenantRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.TenantRatePerMinute = 1
	rt := &fakeRuntime{payload: map[string]any{}}
	srv, _, _ := newTestServer(t, cfg, rt)

	first := postExecution(t, srv, "svc-key", "tenant-a", validCommand())
	require.Equal(t, http.StatusOK, first.Code)

	cmd := validCommand()
	cmd.ExecutionID = "1f8fad5b-d9cb-469f-a165-70867728950e"
	second := postExecution(t, srv, "svc-key", "tenant-a", cmd)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, contracts.CodeTenantRateLimitExceeded, decodeError(t, second))

	var envelope contracts.ErrorEnvelope
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &envelope))
	assert.Positive(t, envelope.Error.RetryAfter)
}

func TestHealthHandler(t *testing.T) {
	srv, _, _ := newTestServer(t, testConfig(t), &fakeRuntime{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "cli", body["runtimeMode"])
}
