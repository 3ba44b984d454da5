package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/events"
	"github.com/aro-automation/aro/pkg/models"
	"github.com/aro-automation/aro/pkg/resilience"
)

// WorkerConfig parameterizes the dispatch worker.
type WorkerConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// DefaultWorkerConfig returns the built-in dispatch defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 5 * time.Second,
		MaxAttempts:  3,
		BaseBackoff:  250 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	}
}

// CommandSender delivers one command to the Executor and returns its result
// event.
type CommandSender interface {
	Send(ctx context.Context, cmd contracts.ExecutorCommand) (*contracts.ExecutorResultEvent, error)
}

// DeadLetterSink receives commands that exhausted their attempts.
type DeadLetterSink interface {
	Add(ctx context.Context, dl *models.DeadLetter) error
}

// EventSink appends events to the canonical log.
type EventSink interface {
	Publish(ctx context.Context, evt *events.StoredEvent) (bool, error)
}

// WorkerStatus represents the current state of the worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is the worker's health snapshot for the readiness endpoint.
type WorkerHealth struct {
	Status             WorkerStatus `json:"status"`
	QueueDepth         int          `json:"queue_depth"`
	CommandsDispatched int          `json:"commands_dispatched"`
	CommandsDeadLetter int          `json:"commands_dead_lettered"`
	LastActivity       time.Time    `json:"last_activity"`
}

// DispatchWorker drains the command queue against the Executor. A command
// that keeps failing is retried with exponential backoff up to MaxAttempts,
// then dead-lettered with a command.dispatch.dlq event.
type DispatchWorker struct {
	queue    *CommandQueue
	sender   CommandSender
	dlq      DeadLetterSink
	eventLog EventSink
	cfg      WorkerConfig

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu           sync.RWMutex
	status       WorkerStatus
	dispatched   int
	deadLettered int
	lastActivity time.Time
}

// NewDispatchWorker creates the dispatch worker.
func NewDispatchWorker(queue *CommandQueue, sender CommandSender, dlq DeadLetterSink, eventLog EventSink, cfg WorkerConfig) *DispatchWorker {
	if cfg.PollInterval <= 0 {
		cfg = DefaultWorkerConfig()
	}
	return &DispatchWorker{
		queue:        queue,
		sender:       sender,
		dlq:          dlq,
		eventLog:     eventLog,
		cfg:          cfg,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the dispatch loop in a goroutine.
func (w *DispatchWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for the in-flight dispatch to
// finish. Safe to call multiple times.
func (w *DispatchWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *DispatchWorker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		Status:             w.status,
		QueueDepth:         w.queue.Len(),
		CommandsDispatched: w.dispatched,
		CommandsDeadLetter: w.deadLettered,
		LastActivity:       w.lastActivity,
	}
}

func (w *DispatchWorker) run(ctx context.Context) {
	defer w.wg.Done()

	slog.Info("Dispatch worker started", "poll_interval", w.cfg.PollInterval)
	for {
		select {
		case <-w.stopCh:
			slog.Info("Dispatch worker shutting down")
			return
		case <-ctx.Done():
			slog.Info("Context cancelled, dispatch worker shutting down")
			return
		default:
			if err := w.dispatchNext(ctx); err != nil {
				if errors.Is(err, ErrQueueEmpty) {
					w.sleep(w.cfg.PollInterval)
					continue
				}
				slog.Error("Error dispatching command", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *DispatchWorker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// dispatchNext claims one due entry and drives it to success, requeue, or the
// dead-letter queue.
func (w *DispatchWorker) dispatchNext(ctx context.Context) error {
	entry, err := w.queue.Dequeue(time.Now().UTC())
	if err != nil {
		return err
	}

	log := slog.With(
		"execution_id", entry.Command.ExecutionID,
		"command_type", entry.Command.CommandType,
		"attempt", entry.Attempts+1)

	w.setStatus(WorkerStatusWorking)
	defer w.setStatus(WorkerStatusIdle)

	result, sendErr := w.sender.Send(ctx, entry.Command)
	if sendErr == nil && result != nil && !result.Succeeded() {
		sendErr = fmt.Errorf("execution failed: %s", result.Reason)
	}
	if sendErr == nil {
		log.Info("Command dispatched")
		w.recordResult(ctx, entry, result)
		w.mu.Lock()
		w.dispatched++
		w.mu.Unlock()
		return nil
	}

	attempts := entry.Attempts + 1
	if attempts < w.cfg.MaxAttempts {
		delay := resilience.Backoff(attempts, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
		log.Warn("Command dispatch failed, will retry", "error", sendErr, "retry_in", delay)
		return w.queue.Requeue(entry, time.Now().UTC().Add(delay))
	}

	log.Error("Command dispatch exhausted retries, dead-lettering", "error", sendErr)
	w.deadLetter(ctx, entry, sendErr)
	return nil
}

// recordResult appends the execution's result event to the canonical log so
// consumers see the outcome without polling the Executor. An append failure
// is logged, not retried; the command itself already succeeded.
func (w *DispatchWorker) recordResult(ctx context.Context, entry Entry, result *contracts.ExecutorResultEvent) {
	evt := &events.StoredEvent{
		EventID:       uuid.NewString(),
		TenantID:      entry.Command.TenantID,
		EventType:     resultEventType(entry.Command, result),
		AggregateType: "command",
		AggregateID:   entry.Command.ExecutionID,
		CorrelationID: entry.Command.CorrelationID,
		Payload: map[string]any{
			"commandType": entry.Command.CommandType,
			"executionId": entry.Command.ExecutionID,
		},
	}
	if result != nil {
		if result.EventID != "" {
			evt.EventID = result.EventID
		}
		for k, v := range result.Payload {
			evt.Payload[k] = v
		}
	}
	if _, err := w.eventLog.Publish(ctx, evt); err != nil {
		slog.Error("Failed to publish result event",
			"execution_id", entry.Command.ExecutionID, "error", err)
	}
}

// resultEventType maps a dispatched command to the event type appended on
// success. A sender that reports a specific domain outcome (message.deferred,
// reschedule link created) keeps it; otherwise message sends get the
// message_sent type and anything else the generic success type.
func resultEventType(cmd contracts.ExecutorCommand, result *contracts.ExecutorResultEvent) string {
	if result != nil && result.EventType != "" && result.EventType != contracts.EventTypeExecutorSucceeded {
		return result.EventType
	}
	if cmd.CommandType == contracts.CommandSendSMS {
		return contracts.EventTypeMessageSent
	}
	return contracts.EventTypeExecutorSucceeded
}

// deadLetter records the exhausted command and appends the DLQ event. Uses a
// background context so a cancelled dispatch context cannot lose the record.
func (w *DispatchWorker) deadLetter(ctx context.Context, entry Entry, cause error) {
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.dlq.Add(dlqCtx, &models.DeadLetter{
		TenantID: entry.Command.TenantID,
		Kind:     "command",
		Context: map[string]any{
			"executionId": entry.Command.ExecutionID,
			"commandType": entry.Command.CommandType,
			"payload":     entry.Command.Payload,
		},
		Error:    cause.Error(),
		Attempts: entry.Attempts + 1,
	}); err != nil {
		slog.Error("Failed to record dead letter",
			"execution_id", entry.Command.ExecutionID, "error", err)
	}

	if _, err := w.eventLog.Publish(dlqCtx, &events.StoredEvent{
		EventID:       uuid.NewString(),
		TenantID:      entry.Command.TenantID,
		EventType:     contracts.EventTypeCommandDLQ,
		AggregateType: "command",
		AggregateID:   entry.Command.ExecutionID,
		CorrelationID: entry.Command.CorrelationID,
		Payload: map[string]any{
			"commandType": entry.Command.CommandType,
			"attempts":    entry.Attempts + 1,
			"error":       cause.Error(),
		},
	}); err != nil {
		slog.Error("Failed to publish DLQ event",
			"execution_id", entry.Command.ExecutionID, "error", err)
	}

	w.mu.Lock()
	w.deadLettered++
	w.mu.Unlock()
}

func (w *DispatchWorker) setStatus(status WorkerStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.lastActivity = time.Now()
}
