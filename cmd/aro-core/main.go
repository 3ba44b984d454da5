// ARO Core Engine — canonical state, command/event API, webhook ingestion,
// and the durable dispatch queue toward the Executor.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aro-automation/aro/pkg/adapters"
	"github.com/aro-automation/aro/pkg/api"
	"github.com/aro-automation/aro/pkg/cleanup"
	"github.com/aro-automation/aro/pkg/config"
	"github.com/aro-automation/aro/pkg/database"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/executorclient"
	"github.com/aro-automation/aro/pkg/guardrails"
	"github.com/aro-automation/aro/pkg/queue"
	"github.com/aro-automation/aro/pkg/reminders"
	"github.com/aro-automation/aro/pkg/resilience"
	"github.com/aro-automation/aro/pkg/secrets"
	"github.com/aro-automation/aro/pkg/services"
	"github.com/aro-automation/aro/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	sp := secrets.NewEnvProvider()
	cfg, err := config.LoadCoreFromEnv(sp)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("Starting ARO Core",
		"version", version.Commit,
		"env", cfg.Env,
		"addr", cfg.Addr())

	ctx := context.Background()

	profiles, err := config.LoadProfiles(cfg.ProfileDir)
	if err != nil {
		slog.Error("Failed to load tenant profiles", "dir", cfg.ProfileDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Tenant profiles loaded", "tenants", len(profiles.Tenants()))

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	db := dbClient.DB()
	slog.Info("Connected to PostgreSQL database")

	// Domain services over the shared pool.
	customers := services.NewCustomerService(db, cfg.DepositAmount)
	appointments := services.NewAppointmentService(db)
	consents := services.NewConsentService(db)
	audit := services.NewAuditService(db)
	subscriptions := services.NewSubscriptionService(db)
	deadLetters := services.NewDeadLetterService(db)
	idempotency := services.NewIdempotencyService(db, services.DefaultIdempotencyTTL)
	workflows := services.NewWorkflowService(db)
	privacy := services.NewPrivacyService(customers, appointments, consents, audit)

	// Event log plus LISTEN/NOTIFY fan-out to webhook subscribers.
	eventStore := events.NewStore(db)
	publisher := events.NewPublisher(db)
	dispatcher := events.NewDispatcher(subscriptions)
	listener := events.NewNotifyListener(dbCfg.DSN(), eventStore, dispatcher)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start event listener", "error", err)
		os.Exit(1)
	}
	slog.Info("Event listener started")

	guard := guardrails.New(consents, resilience.DefaultMessageCap(), audit, resilience.LogNotifier{})
	for _, tenant := range profiles.Tenants() {
		if p, ok := profiles.ByTenant(tenant); ok && p.Policies.MessageCapPer24h > 0 {
			guard.SetTenantCap(tenant, resilience.NewMessageCap(p.Policies.MessageCapPer24h, 24*time.Hour))
		}
	}

	breakers := resilience.NewBreakerSet(resilience.DefaultBreakerConfig())
	providerAdapters := buildAdapters(breakers)

	// Durable command queue and the worker that drains it. In executor mode
	// every command goes to the Executor service; in provider mode messaging
	// commands go straight through the Twilio adapter, with open circuits
	// absorbed by the fallback queue's drain loop.
	cmdQueue, err := queue.NewCommandQueue(cfg.QueueFile)
	if err != nil {
		slog.Error("Failed to open command queue", "path", cfg.QueueFile, "error", err)
		os.Exit(1)
	}
	executor := executorclient.New(cfg.ExecutorURL, cfg.ExecutorToken)

	var sender queue.CommandSender = executor
	var direct *adapters.DirectSender
	if cfg.DispatchMode == config.DispatchModeProvider {
		messaging := messagingAdapter(providerAdapters)
		if messaging == nil {
			slog.Error("CORE_DISPATCH_MODE=provider requires a messaging adapter (set TWILIO_AUTH_TOKEN)")
			os.Exit(1)
		}
		direct = adapters.NewDirectSender(messaging,
			resilience.NewFallbackQueue(resilience.LogNotifier{}), publisher)
		direct.Start(ctx)
		sender = direct
		slog.Info("Provider-direct dispatch enabled", "provider", messaging.Name())
	}
	worker := queue.NewDispatchWorker(cmdQueue, sender, deadLetters, publisher, queue.WorkerConfig{
		PollInterval: cfg.WorkerInterval,
		MaxAttempts:  cfg.WorkerMaxAttempts,
		BaseBackoff:  250 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	})
	worker.Start(ctx)

	retention := cleanup.NewService(cleanup.DefaultConfig(profiles.Tenants()),
		idempotency, deadLetters, customers)
	retention.Start(ctx)

	reminderCfg := reminders.DefaultConfig(profiles.Tenants())
	reminderCfg.ManifestVersion = cfg.ManifestVersion
	reminderSvc := reminders.NewService(reminderCfg, appointments, customers, cmdQueue, guard, profiles)
	reminderSvc.Start(ctx)

	server := api.NewServer(&api.Config{
		ServiceToken:              cfg.ServiceToken,
		AdminUsername:             cfg.AdminUsername,
		AdminPassword:             cfg.AdminPassword,
		PermissionManifestVersion: cfg.ManifestVersion,
		DepositAmount:             cfg.DepositAmount,
		InboundRate: resilience.BucketConfig{
			Requests: cfg.InboundRatePerMinute,
			Period:   time.Minute,
			Burst:    cfg.InboundRatePerMinute / 2,
		},
	}, api.Deps{
		DBClient:      dbClient,
		Customers:     customers,
		Appointments:  appointments,
		Consents:      consents,
		Audit:         audit,
		Subscriptions: subscriptions,
		DeadLetters:   deadLetters,
		Replays:       idempotency,
		Privacy:       privacy,
		Workflows:     workflows,
		EventLog:      eventStore,
		Publisher:     publisher,
		Queue:         cmdQueue,
		Worker:        worker,
		Deliverer:     dispatcher,
		Guard:         guard,
		Adapters:      providerAdapters,
		Classifier:    executor,
		Profiles:      profiles,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr())
		if err := server.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Shutdown order: stop accepting requests, drain the worker, then tear
	// down background loops. Queued commands survive restart in the queue file.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	worker.Stop()
	if direct != nil {
		direct.Stop()
	}
	reminderSvc.Stop()
	retention.Stop()
	listener.Stop(ctx)

	slog.Info("Shutdown complete")
}

// messagingAdapter picks the registered adapter for the messaging domain.
func messagingAdapter(registered []adapters.Adapter) adapters.Adapter {
	for _, a := range registered {
		if a.Domain() == adapters.DomainMessaging {
			return a
		}
	}
	return nil
}

// buildAdapters constructs one adapter per provider whose credentials are
// present. A provider without credentials is simply not registered; its
// webhook route answers 404.
func buildAdapters(breakers *resilience.BreakerSet) []adapters.Adapter {
	outbound := resilience.BucketConfig{Requests: 60, Period: time.Minute, Burst: 10}
	var out []adapters.Adapter

	if secret := os.Getenv("CALENDLY_WEBHOOK_SECRET"); secret != "" {
		out = append(out, adapters.NewCalendlyAdapter(
			[]byte(secret),
			os.Getenv("CALENDLY_API_TOKEN"),
			getEnv("CALENDLY_BASE_URL", "https://api.calendly.com"),
			adapters.NewPipeline("calendly", breakers, outbound)))
	} else {
		slog.Warn("Calendly adapter disabled, CALENDLY_WEBHOOK_SECRET not set")
	}

	if authToken := os.Getenv("TWILIO_AUTH_TOKEN"); authToken != "" {
		out = append(out, adapters.NewTwilioAdapter(
			[]byte(authToken),
			os.Getenv("TWILIO_ACCOUNT_SID"),
			authToken,
			os.Getenv("TWILIO_FROM_NUMBER"),
			getEnv("TWILIO_BASE_URL", "https://api.twilio.com"),
			adapters.NewPipeline("twilio", breakers, outbound)))
	} else {
		slog.Warn("Twilio adapter disabled, TWILIO_AUTH_TOKEN not set")
	}

	if secret := os.Getenv("STRIPE_WEBHOOK_SECRET"); secret != "" {
		out = append(out, adapters.NewStripeAdapter(
			[]byte(secret),
			os.Getenv("STRIPE_API_KEY"),
			getEnv("STRIPE_BASE_URL", "https://api.stripe.com"),
			adapters.NewPipeline("stripe", breakers, outbound)))
	} else {
		slog.Warn("Stripe adapter disabled, STRIPE_WEBHOOK_SECRET not set")
	}

	return out
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
