package api

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/queue"
	"github.com/aro-automation/aro/pkg/services"
)

// In-memory stand-ins for the server's collaborators. Each fake implements
// just enough behavior for handler assertions; none of them touch a database.

type fakeCustomers struct {
	mu       sync.Mutex
	byPhone  map[string]*models.Customer
	resched  []string
	outcomes []string
	payments map[string]models.PaymentStatus
}

func newFakeCustomers() *fakeCustomers {
	return &fakeCustomers{
		byPhone:  make(map[string]*models.Customer),
		payments: make(map[string]models.PaymentStatus),
	}
}

func (f *fakeCustomers) UpsertByPhone(_ context.Context, tenantID, phone, email, name, timezone string) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byPhone[phone]; ok {
		return c, nil
	}
	c := &models.Customer{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Phone:    phone,
		Email:    email,
		Name:     name,
		Timezone: timezone,
	}
	f.byPhone[phone] = c
	return c, nil
}

func (f *fakeCustomers) ByPhone(_ context.Context, _, phone string) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.byPhone[phone]; ok {
		return c, nil
	}
	return nil, services.ErrNotFound
}

func (f *fakeCustomers) RecordReschedule(_ context.Context, customerID string) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resched = append(f.resched, customerID)
	for _, c := range f.byPhone {
		if c.ID == customerID {
			c.RescheduleCount++
			return c, nil
		}
	}
	return nil, services.ErrNotFound
}

func (f *fakeCustomers) RecordOutcome(_ context.Context, customerID string, outcome models.AppointmentStatus, _ bool, _ float64) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, customerID+":"+string(outcome))
	for _, c := range f.byPhone {
		if c.ID == customerID {
			c.TotalAppointments++
			return c, nil
		}
	}
	return nil, services.ErrNotFound
}

func (f *fakeCustomers) SetPaymentStatus(_ context.Context, customerID string, status models.PaymentStatus) (*models.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[customerID] = status
	for _, c := range f.byPhone {
		if c.ID == customerID {
			c.PaymentStatus = status
			return c, nil
		}
	}
	return nil, services.ErrNotFound
}

func (f *fakeCustomers) EnsureDepositRequirement(c *models.Customer, a *models.Appointment, depositAmount float64) {
	if c.RequiresDeposit {
		a.DepositRequired = true
		a.DepositAmount = depositAmount
	}
}

type fakeAppointments struct {
	mu          sync.Mutex
	byID        map[string]*models.Appointment
	transitions []string
}

func newFakeAppointments() *fakeAppointments {
	return &fakeAppointments{byID: make(map[string]*models.Appointment)}
}

func (f *fakeAppointments) add(a *models.Appointment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	f.byID[a.ID] = a
}

func (f *fakeAppointments) UpsertFromBooking(_ context.Context, a *models.Appointment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if existing.ExternalID == a.ExternalID && existing.TenantID == a.TenantID {
			a.ID = existing.ID
			return false, nil
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	f.byID[a.ID] = a
	return true, nil
}

func (f *fakeAppointments) ByID(_ context.Context, id string) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, services.ErrNotFound
}

func (f *fakeAppointments) ListByCustomer(_ context.Context, customerID string, _ int) ([]*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Appointment
	for _, a := range f.byID {
		if a.CustomerID == customerID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAppointments) Transition(_ context.Context, id string, to models.AppointmentStatus, actor string) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	a.Status = to
	f.transitions = append(f.transitions, id+":"+string(to)+":"+actor)
	return a, nil
}

func (f *fakeAppointments) Reschedule(_ context.Context, id string, newTime time.Time, _ string) (*models.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return nil, services.ErrNotFound
	}
	a.ScheduledAt = newTime
	a.Status = models.AppointmentRescheduled
	return a, nil
}

func (f *fakeAppointments) MarkDepositPaid(_ context.Context, id, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.byID[id]
	if !ok {
		return services.ErrNotFound
	}
	a.DepositPaid = true
	a.DepositPaymentID = paymentID
	return nil
}

type fakeConsents struct {
	mu      sync.Mutex
	granted map[string]bool
	optOuts []string
}

func newFakeConsents() *fakeConsents {
	return &fakeConsents{granted: make(map[string]bool)}
}

func (f *fakeConsents) Grant(_ context.Context, tenantID, customerID, phone, method, ip string) (*models.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted[phone] = true
	return &models.Consent{TenantID: tenantID, CustomerID: customerID, Phone: phone, Granted: true, GrantMethod: method, IPAddress: ip}, nil
}

func (f *fakeConsents) OptOut(_ context.Context, _, phone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted[phone] = false
	f.optOuts = append(f.optOuts, phone)
	return nil
}

// ConsentFor satisfies guardrails.ConsentChecker so the same fake can back
// the guard in tests.
func (f *fakeConsents) ConsentFor(_, phone string) (*models.Consent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.granted[phone] {
		return &models.Consent{Phone: phone, Granted: true}, nil
	}
	return &models.Consent{Phone: phone}, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
	verifyN int
	verifyE error
}

func (f *fakeAudit) Record(_ context.Context, e *models.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAudit) List(_ context.Context, _ string, _ int64, _ int) ([]*models.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.AuditEntry(nil), f.entries...), nil
}

func (f *fakeAudit) Verify(_ context.Context, _ string) (int, error) {
	return f.verifyN, f.verifyE
}

type fakeSubscriptions struct {
	mu   sync.Mutex
	byID map[string]*events.Subscription
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{byID: make(map[string]*events.Subscription)}
}

func (f *fakeSubscriptions) Create(_ context.Context, sub *events.Subscription) error {
	if sub.CallbackURL == "" || sub.Secret == "" {
		return services.NewValidationError("callbackUrl", "is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	f.byID[sub.ID] = sub
	return nil
}

func (f *fakeSubscriptions) Delete(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.byID[id]
	if !ok || sub.TenantID != tenantID {
		return services.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeSubscriptions) ByID(_ context.Context, tenantID, id string) (*events.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.byID[id]
	if !ok || sub.TenantID != tenantID {
		return nil, services.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubscriptions) ListByTenant(_ context.Context, tenantID string) ([]*events.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.Subscription
	for _, sub := range f.byID {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (f *fakeSubscriptions) Reactivate(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.byID[id]
	if !ok || sub.TenantID != tenantID {
		return services.ErrNotFound
	}
	sub.Active = true
	sub.FailureCount = 0
	return nil
}

type fakeDeadLetters struct {
	mu       sync.Mutex
	letters  []*models.DeadLetter
	archived []string
}

func (f *fakeDeadLetters) ListActive(_ context.Context, tenantID string, _ int) ([]*models.DeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.DeadLetter
	for _, dl := range f.letters {
		if dl.TenantID == tenantID && !dl.Archived {
			out = append(out, dl)
		}
	}
	return out, nil
}

func (f *fakeDeadLetters) Archive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, dl := range f.letters {
		if dl.ID == id {
			dl.Archived = true
			f.archived = append(f.archived, id)
			return nil
		}
	}
	return services.ErrNotFound
}

type fakeReplays struct {
	mu    sync.Mutex
	items map[string]json.RawMessage
}

func newFakeReplays() *fakeReplays {
	return &fakeReplays{items: make(map[string]json.RawMessage)}
}

func (f *fakeReplays) Lookup(_ context.Context, tenantID, key string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw, ok := f.items[tenantID+"/"+key]; ok {
		return raw, nil
	}
	return nil, services.ErrNotFound
}

func (f *fakeReplays) Store(_ context.Context, tenantID, key string, response json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[tenantID+"/"+key] = response
	return nil
}

type fakeWorkflows struct {
	mu      sync.Mutex
	started []*models.WorkflowInstance
	retried []string
	result  *models.WorkflowInstance
	err     error
}

func (f *fakeWorkflows) Start(_ context.Context, w *models.WorkflowInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.State == "" {
		w.State = models.WorkflowPending
	}
	f.started = append(f.started, w)
	return nil
}

func (f *fakeWorkflows) RetryForAppointment(_ context.Context, _, appointmentID string) (*models.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.retried = append(f.retried, appointmentID)
	if f.result != nil {
		return f.result, nil
	}
	return &models.WorkflowInstance{AppointmentID: appointmentID, State: models.WorkflowRetrying}, nil
}

type fakePrivacy struct {
	export *services.PrivacyExport
	erased []string
}

func (f *fakePrivacy) Export(_ context.Context, _, phone string) (*services.PrivacyExport, error) {
	if f.export == nil {
		return nil, services.ErrNotFound
	}
	return f.export, nil
}

func (f *fakePrivacy) Erase(_ context.Context, _, phone string) error {
	f.erased = append(f.erased, phone)
	return nil
}

// fakeEventLog doubles as EventLog and EventPublisher: published events are
// appended with increasing cursors and served back from List.
type fakeEventLog struct {
	mu     sync.Mutex
	events []*events.StoredEvent
	seen   map[string]bool
}

func newFakeEventLog() *fakeEventLog {
	return &fakeEventLog{seen: make(map[string]bool)}
}

func (f *fakeEventLog) Publish(_ context.Context, evt *events.StoredEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if evt.IdempotencyKey != "" && f.seen[evt.TenantID+"/"+evt.IdempotencyKey] {
		return false, nil
	}
	if evt.IdempotencyKey != "" {
		f.seen[evt.TenantID+"/"+evt.IdempotencyKey] = true
	}
	evt.ReplayCursor = int64(len(f.events) + 1)
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	evt.RecordedAt = time.Now().UTC()
	f.events = append(f.events, evt)
	return true, nil
}

func (f *fakeEventLog) List(_ context.Context, filter events.ListFilter) ([]*events.StoredEvent, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.StoredEvent
	next := ""
	for _, evt := range f.events {
		if evt.ReplayCursor <= filter.AfterCursor {
			continue
		}
		if filter.TenantID != "" && evt.TenantID != filter.TenantID {
			continue
		}
		if filter.EventType != "" && evt.EventType != filter.EventType {
			continue
		}
		if len(filter.EventTypes) > 0 && !slices.Contains(filter.EventTypes, evt.EventType) {
			continue
		}
		if filter.AggregateType != "" && evt.AggregateType != filter.AggregateType {
			continue
		}
		if filter.AggregateID != "" && evt.AggregateID != filter.AggregateID {
			continue
		}
		out = append(out, evt)
		next = evt.Cursor()
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, next, nil
}

func (f *fakeEventLog) byType(eventType string) []*events.StoredEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*events.StoredEvent
	for _, evt := range f.events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type fakeQueue struct {
	mu   sync.Mutex
	cmds []contracts.ExecutorCommand
	err  error
}

func (f *fakeQueue) Enqueue(cmd contracts.ExecutorCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeQueue) Snapshot() []queue.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.Entry, 0, len(f.cmds))
	for _, cmd := range f.cmds {
		out = append(out, queue.Entry{Command: cmd})
	}
	return out
}

type fakeWorker struct {
	health queue.WorkerHealth
}

func (f *fakeWorker) Health() queue.WorkerHealth { return f.health }

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []*events.StoredEvent
	failAfter int
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ *events.Subscription, evt *events.StoredEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.delivered) >= f.failAfter {
		return context.DeadlineExceeded
	}
	f.delivered = append(f.delivered, evt)
	return nil
}

// fakeClassifier stands in for the Executor on the synchronous classify-reply
// path.
type fakeClassifier struct {
	mu     sync.Mutex
	cmds   []contracts.ExecutorCommand
	result *contracts.ExecutorResultEvent
	err    error
}

func (f *fakeClassifier) Send(_ context.Context, cmd contracts.ExecutorCommand) (*contracts.ExecutorResultEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeAdapter implements adapters.Adapter with a canned normalized event and
// a literal expected signature.
type fakeAdapter struct {
	name      string
	signature string
	event     *adapters.NormalizedEvent
}

func (f *fakeAdapter) Name() string   { return f.name }
func (f *fakeAdapter) Domain() string { return adapters.DomainMessaging }

func (f *fakeAdapter) VerifySignature(_ []byte, signature string) bool {
	return signature == f.signature
}

func (f *fakeAdapter) HandleWebhook(rawBody []byte, signature string) (*adapters.NormalizedEvent, error) {
	if !f.VerifySignature(rawBody, signature) {
		return nil, adapters.ErrBadSignature
	}
	return f.event, nil
}

func (f *fakeAdapter) Send(_ context.Context, _ adapters.SendRequest) (*adapters.SendResult, error) {
	return &adapters.SendResult{Status: "sent"}, nil
}

var _ guardrails.ConsentChecker = (*fakeConsents)(nil)
