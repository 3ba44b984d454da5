// Package api is the Core Engine's HTTP surface: the command/event API,
// webhook ingestion, subscription management, and the authenticated admin
// endpoints. Handlers validate and translate; all domain logic lives in the
// services, workflow, and queue packages.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/config"
	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/database"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/queue"
	"github.com/aro-automation/aro/pkg/resilience"
	"github.com/aro-automation/aro/pkg/services"
)

// Config holds the HTTP server's own settings. Tokens come through the
// secret provider at composition time, never from files.
type Config struct {
	// ServiceToken authenticates /v1 API callers.
	ServiceToken string
	// AdminUsername and AdminPassword guard the /v1/admin group.
	AdminUsername string
	AdminPassword string
	// PermissionManifestVersion is stamped on every executor command.
	PermissionManifestVersion string
	// DepositAmount is the flat deposit required from high-risk customers.
	DepositAmount float64
	// InboundRate is the per-source-IP token bucket for all endpoints.
	InboundRate resilience.BucketConfig
}

// CustomerDirectory is the customer surface the handlers need.
type CustomerDirectory interface {
	UpsertByPhone(ctx context.Context, tenantID, phone, email, name, timezone string) (*models.Customer, error)
	ByPhone(ctx context.Context, tenantID, phone string) (*models.Customer, error)
	RecordReschedule(ctx context.Context, customerID string) (*models.Customer, error)
	RecordOutcome(ctx context.Context, customerID string, outcome models.AppointmentStatus, confirmed bool, serviceCost float64) (*models.Customer, error)
	SetPaymentStatus(ctx context.Context, customerID string, status models.PaymentStatus) (*models.Customer, error)
	EnsureDepositRequirement(c *models.Customer, a *models.Appointment, depositAmount float64)
}

// AppointmentBook is the appointment surface the handlers need.
type AppointmentBook interface {
	UpsertFromBooking(ctx context.Context, a *models.Appointment) (bool, error)
	ByID(ctx context.Context, id string) (*models.Appointment, error)
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]*models.Appointment, error)
	Transition(ctx context.Context, id string, to models.AppointmentStatus, actor string) (*models.Appointment, error)
	Reschedule(ctx context.Context, id string, newTime time.Time, actor string) (*models.Appointment, error)
	MarkDepositPaid(ctx context.Context, id, paymentID string) error
}

// ConsentRegistry is the consent surface the handlers need.
type ConsentRegistry interface {
	Grant(ctx context.Context, tenantID, customerID, phone, method, ipAddress string) (*models.Consent, error)
	OptOut(ctx context.Context, tenantID, phone string) error
}

// AuditLog is the audit surface the handlers need.
type AuditLog interface {
	Record(ctx context.Context, entry *models.AuditEntry) error
	List(ctx context.Context, tenantID string, afterID int64, limit int) ([]*models.AuditEntry, error)
	Verify(ctx context.Context, tenantID string) (int, error)
}

// SubscriptionRegistry is the webhook-subscription surface the handlers need.
type SubscriptionRegistry interface {
	Create(ctx context.Context, sub *events.Subscription) error
	Delete(ctx context.Context, tenantID, id string) error
	ByID(ctx context.Context, tenantID, id string) (*events.Subscription, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*events.Subscription, error)
	Reactivate(ctx context.Context, tenantID, id string) error
}

// DeadLetterBox is the DLQ surface the admin handlers need.
type DeadLetterBox interface {
	ListActive(ctx context.Context, tenantID string, limit int) ([]*models.DeadLetter, error)
	Archive(ctx context.Context, id string) error
}

// ReplayStore is the stored-response surface behind Idempotency-Key.
type ReplayStore interface {
	Lookup(ctx context.Context, tenantID, key string) (json.RawMessage, error)
	Store(ctx context.Context, tenantID, key string, response json.RawMessage) error
}

// PrivacyDesk is the privacy-operation surface the admin handlers need.
type PrivacyDesk interface {
	Export(ctx context.Context, tenantID, phone string) (*services.PrivacyExport, error)
	Erase(ctx context.Context, tenantID, phone string) error
}

// WorkflowDesk is the workflow-instance surface the handlers need. Start
// opens a new instance when a booking is accepted; RetryForAppointment backs
// the admin override.
type WorkflowDesk interface {
	Start(ctx context.Context, w *models.WorkflowInstance) error
	RetryForAppointment(ctx context.Context, tenantID, appointmentID string) (*models.WorkflowInstance, error)
}

// EventLog is the event read surface the handlers need.
type EventLog interface {
	List(ctx context.Context, filter events.ListFilter) ([]*events.StoredEvent, string, error)
}

// EventPublisher appends events to the canonical log with NOTIFY fan-out.
type EventPublisher interface {
	Publish(ctx context.Context, evt *events.StoredEvent) (bool, error)
}

// CommandEnqueuer is the durable command queue surface.
type CommandEnqueuer interface {
	Enqueue(cmd contracts.ExecutorCommand) error
	Snapshot() []queue.Entry
}

// WorkerMonitor exposes the dispatch worker's health snapshot.
type WorkerMonitor interface {
	Health() queue.WorkerHealth
}

// Deliverer pushes one stored event to one subscription, used by replay.
type Deliverer interface {
	Deliver(ctx context.Context, sub *events.Subscription, evt *events.StoredEvent) error
}

// ReplyClassifier dispatches the classify-reply command to the Executor and
// returns its result event. The executorclient satisfies this.
type ReplyClassifier interface {
	Send(ctx context.Context, cmd contracts.ExecutorCommand) (*contracts.ExecutorResultEvent, error)
}

// Server is the Core Engine HTTP server.
type Server struct {
	cfg      *Config
	dbClient *database.Client

	customers     CustomerDirectory
	appointments  AppointmentBook
	consents      ConsentRegistry
	audit         AuditLog
	subscriptions SubscriptionRegistry
	deadLetters   DeadLetterBox
	replays       ReplayStore
	privacy       PrivacyDesk
	workflows     WorkflowDesk

	eventLog   EventLog
	publisher  EventPublisher
	queue      CommandEnqueuer
	worker     WorkerMonitor
	deliverer  Deliverer
	classifier ReplyClassifier
	profiles   *config.ProfileRegistry

	guard       *guardrails.Guard
	adapters    map[string]adapters.Adapter
	limiter     *resilience.KeyedLimiter
	adminTokens *adminTokenTable

	e       *echo.Echo
	httpSrv *http.Server
}

// Deps bundles the collaborators the server routes requests to.
type Deps struct {
	DBClient      *database.Client
	Customers     CustomerDirectory
	Appointments  AppointmentBook
	Consents      ConsentRegistry
	Audit         AuditLog
	Subscriptions SubscriptionRegistry
	DeadLetters   DeadLetterBox
	Replays       ReplayStore
	Privacy       PrivacyDesk
	Workflows     WorkflowDesk
	EventLog      EventLog
	Publisher     EventPublisher
	Queue         CommandEnqueuer
	Worker        WorkerMonitor
	Deliverer     Deliverer
	Classifier    ReplyClassifier
	Profiles      *config.ProfileRegistry
	Guard         *guardrails.Guard
	Adapters      []adapters.Adapter
}

// NewServer wires routes and middleware around the dependencies.
func NewServer(cfg *Config, deps Deps) *Server {
	s := &Server{
		cfg:           cfg,
		dbClient:      deps.DBClient,
		customers:     deps.Customers,
		appointments:  deps.Appointments,
		consents:      deps.Consents,
		audit:         deps.Audit,
		subscriptions: deps.Subscriptions,
		deadLetters:   deps.DeadLetters,
		replays:       deps.Replays,
		privacy:       deps.Privacy,
		workflows:     deps.Workflows,
		eventLog:      deps.EventLog,
		publisher:     deps.Publisher,
		queue:         deps.Queue,
		worker:        deps.Worker,
		deliverer:     deps.Deliverer,
		classifier:    deps.Classifier,
		profiles:      deps.Profiles,
		guard:         deps.Guard,
		adapters:      make(map[string]adapters.Adapter, len(deps.Adapters)),
		limiter:       resilience.NewKeyedLimiter(cfg.InboundRate),
		adminTokens:   newAdminTokenTable(),
		e:             echo.New(),
	}
	for _, a := range deps.Adapters {
		s.adapters[a.Name()] = a
	}

	s.e.Use(securityHeaders())
	s.e.Use(correlationID())
	s.e.Use(s.rateLimit())

	s.e.GET("/health", s.healthHandler)
	s.e.GET("/ready", s.readyHandler)

	// Provider webhooks authenticate with per-provider HMAC, not the
	// service token.
	s.e.POST("/v1/webhooks/:tenant/:provider", s.webhookHandler)

	v1 := s.e.Group("/v1", s.serviceAuth())
	v1.POST("/commands", s.submitCommandHandler)
	v1.GET("/events", s.listEventsHandler)
	v1.POST("/webhooks/booking", s.bookingIngestHandler)
	v1.POST("/webhooks/inbound-reply", s.inboundReplyIngestHandler)
	v1.POST("/privacy/consent", s.grantConsentHandler)
	v1.POST("/privacy/opt-out", s.optOutHandler)
	v1.GET("/privacy/export/:id", s.exportPrivacyHandler)
	v1.DELETE("/privacy/delete/:id", s.deletePrivacyHandler)
	v1.POST("/subscriptions", s.createSubscriptionHandler)
	v1.GET("/subscriptions", s.listSubscriptionsHandler)
	v1.DELETE("/subscriptions/:id", s.deleteSubscriptionHandler)
	v1.POST("/subscriptions/:id/reactivate", s.reactivateSubscriptionHandler)
	v1.POST("/subscriptions/:id/replay", s.replaySubscriptionHandler)

	// Token issuance is credential-gated inside the handler, not by the
	// admin middleware.
	s.e.POST("/v1/admin/auth/token", s.adminLoginHandler)

	admin := s.e.Group("/v1/admin", s.adminAuth())
	admin.GET("/audit/logs", s.listAuditHandler)
	admin.POST("/audit/verify", s.verifyAuditHandler)
	admin.POST("/manual-overrides", s.manualOverrideHandler)
	admin.GET("/deadletters", s.listDeadLettersHandler)
	admin.POST("/deadletters/:id/archive", s.archiveDeadLetterHandler)
	admin.GET("/queue", s.queueSnapshotHandler)
	admin.POST("/appointments/:id/transition", s.overrideTransitionHandler)
	admin.GET("/privacy/export", s.privacyExportHandler)
	admin.POST("/privacy/erase", s.privacyEraseHandler)

	return s
}

// ServeHTTP makes the server mountable under httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// Start binds addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
