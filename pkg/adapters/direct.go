package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/resilience"
)

// DeliveryRecorder appends delivery outcomes to the canonical event log.
type DeliveryRecorder interface {
	Publish(ctx context.Context, evt *events.StoredEvent) (bool, error)
}

// DirectSender dispatches send-SMS commands straight through the provider
// adapter, for deployments that run without an Executor. A circuit-open
// failure is not an error here: the message moves to the fallback queue with
// a retry time matching the breaker's cool-down, the admin is notified, and
// the drain loop re-attempts it once the window passes.
type DirectSender struct {
	adapter  Adapter
	fallback *resilience.FallbackQueue
	recorder DeliveryRecorder
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDirectSender creates a direct sender over one messaging adapter. The
// fallback queue's notifier handles admin escalation; recorder may be nil.
func NewDirectSender(adapter Adapter, fallback *resilience.FallbackQueue, recorder DeliveryRecorder) *DirectSender {
	return &DirectSender{
		adapter:  adapter,
		fallback: fallback,
		recorder: recorder,
		interval: 15 * time.Second,
	}
}

// Send implements the dispatch worker's sender contract for provider-direct
// mode. Only messaging commands can be satisfied without an Executor.
func (d *DirectSender) Send(ctx context.Context, cmd contracts.ExecutorCommand) (*contracts.ExecutorResultEvent, error) {
	if cmd.CommandType != contracts.CommandSendSMS {
		return nil, fmt.Errorf("command type %s requires an executor", cmd.CommandType)
	}
	to, _ := cmd.Payload["to"].(string)
	body, _ := cmd.Payload["body"].(string)

	res, err := d.adapter.Send(ctx, SendRequest{
		TenantID: cmd.TenantID,
		To:       to,
		Body:     body,
	})
	if err != nil {
		var open *resilience.OpenError
		if errors.As(err, &open) {
			scheduledFor := time.Now().UTC().Add(open.RetryAfter)
			d.fallback.Defer(resilience.FallbackEntry{
				ID:           cmd.ExecutionID,
				TenantID:     cmd.TenantID,
				Domain:       open.Domain,
				Reason:       contracts.CodeCircuitBreakerOpen,
				Payload:      cmd.Payload,
				ScheduledFor: scheduledFor,
			})
			// Ownership moved to the drain loop; the dispatch worker must
			// not retry or dead-letter the command.
			return &contracts.ExecutorResultEvent{
				EventID:       uuid.NewString(),
				EventType:     contracts.EventTypeMessageDeferred,
				ExecutionID:   cmd.ExecutionID,
				TenantID:      cmd.TenantID,
				CorrelationID: cmd.CorrelationID,
				EmittedAt:     time.Now().UTC(),
				Status:        contracts.StatusSucceeded,
				Payload: map[string]any{
					"to":           to,
					"deferredFor":  open.Domain,
					"scheduledFor": scheduledFor,
				},
			}, nil
		}
		return nil, err
	}

	return &contracts.ExecutorResultEvent{
		EventID:       uuid.NewString(),
		EventType:     contracts.EventTypeMessageSent,
		ExecutionID:   cmd.ExecutionID,
		TenantID:      cmd.TenantID,
		CorrelationID: cmd.CorrelationID,
		EmittedAt:     time.Now().UTC(),
		Status:        contracts.StatusSucceeded,
		Payload: map[string]any{
			"to":                to,
			"providerMessageId": res.ProviderID,
		},
	}, nil
}

// Start launches the fallback drain loop.
func (d *DirectSender) Start(ctx context.Context) {
	if d.cancel != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	go d.run(ctx)
	slog.Info("Direct sender drain loop started", "provider", d.adapter.Name(), "interval", d.interval)
}

// Stop signals the drain loop to exit and waits for it to finish.
func (d *DirectSender) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// Pending reports the number of deferred messages awaiting a retry window.
func (d *DirectSender) Pending() int {
	return d.fallback.Len()
}

func (d *DirectSender) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.DrainOnce(ctx)
		}
	}
}

// DrainOnce re-attempts every due fallback entry. A send that trips the
// breaker again goes back on the queue with the new cool-down.
func (d *DirectSender) DrainOnce(ctx context.Context) {
	for _, entry := range d.fallback.Due() {
		to, _ := entry.Payload["to"].(string)
		body, _ := entry.Payload["body"].(string)

		res, err := d.adapter.Send(ctx, SendRequest{TenantID: entry.TenantID, To: to, Body: body})
		if err != nil {
			var open *resilience.OpenError
			if errors.As(err, &open) {
				entry.ScheduledFor = time.Now().UTC().Add(open.RetryAfter)
				d.fallback.Defer(entry)
				continue
			}
			slog.Error("Deferred message failed permanently",
				"tenant_id", entry.TenantID, "id", entry.ID, "error", err)
			continue
		}

		slog.Info("Deferred message delivered", "tenant_id", entry.TenantID, "id", entry.ID)
		if d.recorder != nil {
			if _, err := d.recorder.Publish(ctx, &events.StoredEvent{
				EventID:       uuid.NewString(),
				TenantID:      entry.TenantID,
				EventType:     contracts.EventTypeMessageSent,
				AggregateType: "command",
				AggregateID:   entry.ID,
				Payload: map[string]any{
					"to":                to,
					"providerMessageId": res.ProviderID,
					"deferred":          true,
				},
			}); err != nil {
				slog.Error("Failed to record deferred delivery", "id", entry.ID, "error", err)
			}
		}
	}
}
