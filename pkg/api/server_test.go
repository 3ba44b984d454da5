package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/config"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/resilience"
)

const (
	testToken  = "core-svc-token"
	testTenant = "tenant-a"
	testAdmin  = "admin"
	testPass   = "hunter2!"
)

// testEnv bundles the server under test with its fakes so assertions can
// reach behind the HTTP surface.
type testEnv struct {
	server        *Server
	customers     *fakeCustomers
	appointments  *fakeAppointments
	consents      *fakeConsents
	audit         *fakeAudit
	subscriptions *fakeSubscriptions
	deadLetters   *fakeDeadLetters
	replays       *fakeReplays
	privacy       *fakePrivacy
	workflows     *fakeWorkflows
	eventLog      *fakeEventLog
	queue         *fakeQueue
	deliverer     *fakeDeliverer
	classifier    *fakeClassifier
	adapter       *fakeAdapter

	adminTok string
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvCfg(t, nil)
}

// newTestEnvCfg lets a test adjust the config or dependencies before the
// server is wired, e.g. to install a tenant profile pack.
func newTestEnvCfg(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()

	env := &testEnv{
		customers:     newFakeCustomers(),
		appointments:  newFakeAppointments(),
		consents:      newFakeConsents(),
		audit:         &fakeAudit{},
		subscriptions: newFakeSubscriptions(),
		deadLetters:   &fakeDeadLetters{},
		replays:       newFakeReplays(),
		privacy:       &fakePrivacy{},
		workflows:     &fakeWorkflows{},
		eventLog:      newFakeEventLog(),
		queue:         &fakeQueue{},
		deliverer:     &fakeDeliverer{},
		classifier:    &fakeClassifier{},
		adapter:       &fakeAdapter{name: "twilio", signature: "valid-sig"},
	}

	cfg := &Config{
		ServiceToken:              testToken,
		AdminUsername:             testAdmin,
		AdminPassword:             testPass,
		PermissionManifestVersion: "manifest-v1",
		DepositAmount:             25,
		InboundRate:               resilience.BucketConfig{Requests: 1000, Period: time.Minute, Burst: 1000},
	}
	deps := Deps{
		Customers:     env.customers,
		Appointments:  env.appointments,
		Consents:      env.consents,
		Audit:         env.audit,
		Subscriptions: env.subscriptions,
		DeadLetters:   env.deadLetters,
		Replays:       env.replays,
		Privacy:       env.privacy,
		Workflows:     env.workflows,
		EventLog:      env.eventLog,
		Publisher:     env.eventLog,
		Queue:         env.queue,
		Worker:        &fakeWorker{},
		Deliverer:     env.deliverer,
		Classifier:    env.classifier,
		Guard:         guardrails.New(env.consents, nil, nil, nil),
		Adapters:      []adapters.Adapter{env.adapter},
	}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	env.server = NewServer(cfg, deps)
	return env
}

type reqOpts struct {
	auth    bool
	admin   bool
	tenant  string
	idemKey string
	headers map[string]string
}

func (env *testEnv) do(t *testing.T, method, path string, body any, opts reqOpts) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if opts.auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	if opts.admin {
		req.Header.Set("Authorization", "Bearer "+env.adminToken(t))
	}
	if opts.tenant != "" {
		req.Header.Set("X-Tenant-Id", opts.tenant)
	}
	if opts.idemKey != "" {
		req.Header.Set("Idempotency-Key", opts.idemKey)
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

// adminToken logs in through the token endpoint once and caches the result.
func (env *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	if env.adminTok != "" {
		return env.adminTok
	}
	rec := env.do(t, http.MethodPost, "/v1/admin/auth/token",
		AdminLoginRequest{Username: testAdmin, Password: testPass}, reqOpts{})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	env.adminTok = resp.Token
	return env.adminTok
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envlp contracts.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envlp))
	return envlp.Error.Code
}

func TestServiceAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/events", nil, reqOpts{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, contracts.CodeUnauthorized, decodeErrorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/v1/events", nil,
		reqOpts{headers: map[string]string{"Authorization": "Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/events", nil, reqOpts{auth: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contracts.CodeTenantHeaderRequired, decodeErrorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/v1/events", nil, reqOpts{auth: true, tenant: testTenant})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitIntegrationCommand(t *testing.T) {
	env := newTestEnv(t)

	body := contracts.CommandEnvelope{
		CommandType: contracts.CommandSendSMS,
		Payload:     map[string]any{"to": "+15551230000", "body": "hello"},
	}
	rec := env.do(t, http.MethodPost, "/v1/commands", body,
		reqOpts{auth: true, tenant: testTenant, idemKey: "send-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp CommandAcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	assert.Equal(t, "enqueued", resp.DispatchStatus)
	assert.NotEmpty(t, resp.ExecutionID)

	require.Len(t, env.queue.cmds, 1)
	cmd := env.queue.cmds[0]
	assert.Equal(t, resp.ExecutionID, cmd.ExecutionID)
	assert.Equal(t, testTenant, cmd.TenantID)
	assert.True(t, cmd.AuthorizedByCore)
	assert.Equal(t, "manifest-v1", cmd.PermissionManifestVersion)

	accepted := env.eventLog.byType(contracts.EventTypeCommandAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, resp.ExecutionID, accepted[0].AggregateID)
}

func TestSubmitCommandIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)

	body := contracts.CommandEnvelope{
		CommandType: contracts.CommandSendSMS,
		Payload:     map[string]any{"to": "+15551230000", "body": "hello"},
	}
	opts := reqOpts{auth: true, tenant: testTenant, idemKey: "req-1"}

	first := env.do(t, http.MethodPost, "/v1/commands", body, opts)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := env.do(t, http.MethodPost, "/v1/commands", body, opts)
	require.Equal(t, http.StatusAccepted, second.Code)

	var a, b CommandAcceptedResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.ExecutionID, b.ExecutionID)

	assert.Len(t, env.queue.cmds, 1, "replay must not enqueue a second command")
}

func TestSubmitUnknownCommand(t *testing.T) {
	env := newTestEnv(t)

	body := contracts.CommandEnvelope{
		CommandType: "core.unknown.op",
		Payload:     map[string]any{},
	}
	rec := env.do(t, http.MethodPost, "/v1/commands", body,
		reqOpts{auth: true, tenant: testTenant, idemKey: "unknown-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contracts.CodeCommandNotAllowed, decodeErrorCode(t, rec))
	assert.Empty(t, env.queue.cmds)
}

func TestSubmitCommandMissingIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)

	body := contracts.CommandEnvelope{
		CommandType: contracts.CommandSendSMS,
		Payload:     map[string]any{"to": "+15551230000", "body": "hello"},
	}
	rec := env.do(t, http.MethodPost, "/v1/commands", body, reqOpts{auth: true, tenant: testTenant})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contracts.CodeValidationError, decodeErrorCode(t, rec))
	assert.Empty(t, env.queue.cmds)

	// Whitespace does not count as a key either.
	rec = env.do(t, http.MethodPost, "/v1/commands", body,
		reqOpts{auth: true, tenant: testTenant, headers: map[string]string{"Idempotency-Key": "   "}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contracts.CodeValidationError, decodeErrorCode(t, rec))
}

func TestSubmitTransitionCommand(t *testing.T) {
	env := newTestEnv(t)
	appt := &models.Appointment{TenantID: testTenant, CustomerID: "cust-1", Status: models.AppointmentPendingConfirm}
	env.appointments.add(appt)

	body := contracts.CommandEnvelope{
		CommandType: CoreCommandTransition,
		Payload:     map[string]any{"appointmentId": appt.ID, "to": "confirmed"},
	}
	rec := env.do(t, http.MethodPost, "/v1/commands", body,
		reqOpts{auth: true, tenant: testTenant, idemKey: "transition-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, models.AppointmentConfirmed, appt.Status)
}

func TestListEventsPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		_, err := env.eventLog.Publish(t.Context(), &events.StoredEvent{
			EventID:   "evt-" + string(rune('a'+i)),
			TenantID:  testTenant,
			EventType: contracts.EventTypeBookingReceived,
		})
		require.NoError(t, err)
	}
	_, err := env.eventLog.Publish(t.Context(), &events.StoredEvent{
		EventID:   "evt-other",
		TenantID:  "tenant-b",
		EventType: contracts.EventTypeBookingReceived,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/events?limit=3", nil, reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)

	var page EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 3)
	require.NotEmpty(t, page.NextCursor)

	rec = env.do(t, http.MethodGet, "/v1/events?cursor="+page.NextCursor, nil,
		reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Events, 2, "tenant-b events must not leak into tenant-a's page")
}

func TestListEventsProjection(t *testing.T) {
	env := newTestEnvCfg(t, func(_ *Config, deps *Deps) {
		deps.Profiles = config.NewProfileRegistry(&config.Profile{
			Tenant: testTenant,
			EventProjections: []config.EventProjection{
				{Name: "appointments", EventTypes: []string{
					contracts.EventTypeBookingReceived,
					contracts.EventTypeAppointmentConfirmed,
				}},
			},
		})
	})

	for i, et := range []string{
		contracts.EventTypeBookingReceived,
		contracts.EventTypeInboundReply,
		contracts.EventTypeAppointmentConfirmed,
	} {
		_, err := env.eventLog.Publish(t.Context(), &events.StoredEvent{
			EventID:   "evt-" + string(rune('a'+i)),
			TenantID:  testTenant,
			EventType: et,
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodGet, "/v1/events?projection=appointments", nil,
		reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)

	var page EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, contracts.EventTypeBookingReceived, page.Events[0].EventType)
	assert.Equal(t, contracts.EventTypeAppointmentConfirmed, page.Events[1].EventType)

	rec = env.do(t, http.MethodGet, "/v1/events?projection=nope", nil,
		reqOpts{auth: true, tenant: testTenant})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contracts.CodeValidationError, decodeErrorCode(t, rec))
}

func TestListEventsBadCursor(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/events?cursor=not-a-cursor", nil,
		reqOpts{auth: true, tenant: testTenant})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, contracts.CodeValidationError, decodeErrorCode(t, rec))
}

func TestSubscriptionLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/subscriptions", CreateSubscriptionRequest{
		CallbackURL: "https://consumer.example/hook",
		EventTypes:  []string{contracts.EventTypeBookingReceived},
		Secret:      "sub-secret",
	}, reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusCreated, rec.Code)

	var sub events.Subscription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	require.NotEmpty(t, sub.ID)
	assert.True(t, sub.Active)

	rec = env.do(t, http.MethodGet, "/v1/subscriptions", nil, reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil, reqOpts{auth: true, tenant: testTenant})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/reactivate", nil,
		reqOpts{auth: true, tenant: testTenant})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReplaySubscription(t *testing.T) {
	env := newTestEnv(t)

	sub := &events.Subscription{TenantID: testTenant, CallbackURL: "https://consumer.example/hook", Secret: "s"}
	require.NoError(t, env.subscriptions.Create(t.Context(), sub))

	for i := 0; i < 3; i++ {
		_, err := env.eventLog.Publish(t.Context(), &events.StoredEvent{
			EventID:   "evt-" + string(rune('a'+i)),
			TenantID:  testTenant,
			EventType: contracts.EventTypeBookingReceived,
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/replay",
		ReplayRequest{FromCursor: ""}, reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Delivered)
	assert.NotEmpty(t, resp.NextCursor)
	assert.Len(t, env.deliverer.delivered, 3)
}

func TestReplayStopsAtFirstFailure(t *testing.T) {
	env := newTestEnv(t)
	env.deliverer.failAfter = 1

	sub := &events.Subscription{TenantID: testTenant, CallbackURL: "https://consumer.example/hook", Secret: "s"}
	require.NoError(t, env.subscriptions.Create(t.Context(), sub))

	for i := 0; i < 3; i++ {
		_, err := env.eventLog.Publish(t.Context(), &events.StoredEvent{
			EventID:   "evt-" + string(rune('a'+i)),
			TenantID:  testTenant,
			EventType: contracts.EventTypeBookingReceived,
		})
		require.NoError(t, err)
	}

	rec := env.do(t, http.MethodPost, "/v1/subscriptions/"+sub.ID+"/replay",
		ReplayRequest{FromCursor: ""}, reqOpts{auth: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ReplayResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Delivered)
	assert.Equal(t, "1", resp.NextCursor, "caller resumes from the last delivered event")
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/admin/audit/logs", nil, reqOpts{tenant: testTenant})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Len(t, env.audit.entries, 1)
	assert.Equal(t, "auth.admin_failed", env.audit.entries[0].Action)

	rec = env.do(t, http.MethodPost, "/v1/admin/auth/token",
		AdminLoginRequest{Username: testAdmin, Password: "wrong"}, reqOpts{tenant: testTenant})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, contracts.CodeUnauthorized, decodeErrorCode(t, rec))

	rec = env.do(t, http.MethodGet, "/v1/admin/audit/logs", nil, reqOpts{admin: true, tenant: testTenant})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminTokenExpiry(t *testing.T) {
	env := newTestEnv(t)
	token := env.adminToken(t)

	username, ok := env.server.adminTokens.Lookup(token)
	require.True(t, ok)
	assert.Equal(t, testAdmin, username)

	env.server.adminTokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, ok = env.server.adminTokens.Lookup(token)
	assert.False(t, ok, "expired tokens must stop working")
}

func TestAdminManualOverride(t *testing.T) {
	env := newTestEnv(t)
	appt := &models.Appointment{TenantID: testTenant, CustomerID: "cust-1", Status: models.AppointmentPendingConfirm}
	env.appointments.add(appt)

	rec := env.do(t, http.MethodPost, "/v1/admin/manual-overrides",
		ManualOverrideRequest{Action: OverrideMarkConfirmed, AppointmentID: appt.ID, Reason: "phone confirmation"},
		reqOpts{admin: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AppointmentConfirmed, appt.Status)

	rec = env.do(t, http.MethodPost, "/v1/admin/manual-overrides",
		ManualOverrideRequest{Action: OverrideRetryWorkflow, AppointmentID: appt.ID, Reason: "stuck"},
		reqOpts{admin: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{appt.ID}, env.workflows.retried)

	rec = env.do(t, http.MethodPost, "/v1/admin/manual-overrides",
		ManualOverrideRequest{Action: "delete_everything", AppointmentID: appt.ID},
		reqOpts{admin: true, tenant: testTenant})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var overrides []*models.AuditEntry
	for _, e := range env.audit.entries {
		if e.Action == "admin.manual_override" {
			overrides = append(overrides, e)
		}
	}
	require.Len(t, overrides, 2)
	assert.Equal(t, testAdmin, overrides[0].Actor)
}

func TestAdminVerifyAudit(t *testing.T) {
	env := newTestEnv(t)
	env.audit.verifyN = 42

	rec := env.do(t, http.MethodPost, "/v1/admin/audit/verify", nil, reqOpts{admin: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["valid"])
	assert.Equal(t, float64(42), resp["entriesChecked"])
}

func TestAdminOverrideTransition(t *testing.T) {
	env := newTestEnv(t)
	appt := &models.Appointment{TenantID: testTenant, CustomerID: "cust-1", Status: models.AppointmentConfirmed}
	env.appointments.add(appt)

	rec := env.do(t, http.MethodPost, "/v1/admin/appointments/"+appt.ID+"/transition",
		TransitionRequest{To: "no_show", Reason: "front desk call"},
		reqOpts{admin: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.AppointmentNoShow, appt.Status)

	require.Len(t, env.audit.entries, 1)
	entry := env.audit.entries[0]
	assert.Equal(t, "appointment.manual_override", entry.Action)
	assert.Equal(t, testAdmin, entry.Actor)
	assert.Equal(t, appt.ID, entry.Subject)

	assert.Equal(t, []string{"cust-1:no_show"}, env.customers.outcomes,
		"a terminal override still records the customer outcome")
}

func TestAdminDeadLetters(t *testing.T) {
	env := newTestEnv(t)
	env.deadLetters.letters = []*models.DeadLetter{
		{ID: "dl-1", TenantID: testTenant, Kind: "command_dispatch", Error: "boom"},
		{ID: "dl-2", TenantID: "tenant-b", Kind: "command_dispatch"},
	}

	rec := env.do(t, http.MethodGet, "/v1/admin/deadletters", nil, reqOpts{admin: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		DeadLetters []*models.DeadLetter `json:"deadLetters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.DeadLetters, 1)
	assert.Equal(t, "dl-1", resp.DeadLetters[0].ID)

	rec = env.do(t, http.MethodPost, "/v1/admin/deadletters/dl-1/archive", nil,
		reqOpts{admin: true, tenant: testTenant})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dl-1"}, env.deadLetters.archived)
}

func TestAdminPrivacyErase(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/admin/privacy/erase",
		EraseRequest{Phone: "+15551230000"}, reqOpts{admin: true, tenant: testTenant})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"+15551230000"}, env.privacy.erased)

	rec = env.do(t, http.MethodPost, "/v1/admin/privacy/erase",
		EraseRequest{}, reqOpts{admin: true, tenant: testTenant})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
