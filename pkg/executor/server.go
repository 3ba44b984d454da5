package executor

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/aro-automation/aro/pkg/contracts"
	"github.com/aro-automation/aro/pkg/version"
)

// Server is the Executor's HTTP surface: POST /v1/executions and GET /health.
type Server struct {
	cfg         *Config
	admission   *Admission
	idempotency *IdempotencyStore
	outbox      *Outbox
	runtime     Runtime

	e       *echo.Echo
	httpSrv *http.Server
}

// NewServer wires the admission ladder, stores, and runtime into an HTTP
// server. The caller owns store construction so tests can inspect them.
func NewServer(cfg *Config, runtime Runtime, idempotency *IdempotencyStore, outbox *Outbox) *Server {
	s := &Server{
		cfg:         cfg,
		admission:   NewAdmission(cfg),
		idempotency: idempotency,
		outbox:      outbox,
		runtime:     runtime,
		e:           echo.New(),
	}

	s.e.Use(requestLogger())
	s.e.POST("/v1/executions", s.executeHandler)
	s.e.GET("/health", s.healthHandler)

	return s
}

// ServeHTTP makes the server mountable in tests via httptest.
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

// executeHandler handles POST /v1/executions.
//
// The order below is load-bearing: a refused command must leave no trace, a
// replayed command must not reach the runtime, and a completed result must be
// on disk before the response is written.
func (s *Server) executeHandler(c *echo.Context) error {
	if r := s.admission.CheckAuth(c.Request().Header.Get("Authorization")); r != nil {
		return c.JSON(r.Status, r.Envelope)
	}

	var cmd contracts.ExecutorCommand
	if err := c.Bind(&cmd); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, "request body is not a valid executor command"))
	}

	if r := s.admission.CheckCommand(c.Request().Header.Get("X-Tenant-Id"), &cmd); r != nil {
		return c.JSON(r.Status, r.Envelope)
	}

	if err := cmd.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest,
			contracts.NewErrorEnvelope(contracts.CodeValidationError, err.Error()))
	}

	if stored, ok := s.idempotency.Lookup(cmd.ExecutionID); ok {
		slog.Info("Replaying stored execution result",
			"execution_id", cmd.ExecutionID, "tenant_id", cmd.TenantID)
		return c.JSON(http.StatusOK, stored)
	}

	result := s.execute(c.Request().Context(), cmd)

	// Durability before acknowledgement: once Core sees this result, it is
	// already in the outbox and replayable from the idempotency store.
	if err := s.outbox.Append(result); err != nil {
		slog.Error("Failed to append result to outbox",
			"execution_id", cmd.ExecutionID, "error", err)
		return c.JSON(http.StatusServiceUnavailable,
			contracts.NewErrorEnvelope(contracts.CodeServiceUnavailable, "failed to persist execution result"))
	}
	if err := s.idempotency.Store(cmd.ExecutionID, result); err != nil {
		// The result is durable in the outbox; refusing now would make Core
		// retry and re-execute the side effect. Respond and surface the
		// store failure in logs.
		slog.Error("Failed to persist idempotency record",
			"execution_id", cmd.ExecutionID, "error", err)
	}

	return c.JSON(http.StatusOK, result)
}

func (s *Server) execute(ctx context.Context, cmd contracts.ExecutorCommand) *contracts.ExecutorResultEvent {
	started := time.Now()
	runtimePayload, err := s.runtime.Invoke(ctx, cmd)

	result := &contracts.ExecutorResultEvent{
		EventID:       uuid.NewString(),
		ExecutionID:   cmd.ExecutionID,
		TenantID:      cmd.TenantID,
		CorrelationID: cmd.CorrelationID,
		EmittedAt:     time.Now().UTC(),
	}

	if err != nil {
		result.EventType = contracts.EventTypeExecutorFailed
		result.Status = contracts.StatusFailed
		result.Reason = err.Error()
		slog.Error("Execution failed",
			"execution_id", cmd.ExecutionID,
			"tenant_id", cmd.TenantID,
			"command_type", cmd.CommandType,
			"duration", time.Since(started),
			"error", err)
		return result
	}

	payload := map[string]any{
		"acknowledgedCommandType": cmd.CommandType,
		"openclawRuntimeMode":     string(s.runtime.Mode()),
	}
	for k, v := range runtimePayload {
		payload[k] = v
	}

	result.EventType = contracts.EventTypeExecutorSucceeded
	result.Status = contracts.StatusSucceeded
	result.Payload = payload
	slog.Info("Execution succeeded",
		"execution_id", cmd.ExecutionID,
		"tenant_id", cmd.TenantID,
		"command_type", cmd.CommandType,
		"duration", time.Since(started))
	return result
}

// healthHandler handles GET /health. Only the Executor's own durable stores
// are reported; the openclaw runtime is deliberately excluded so orchestrator
// restarts do not cascade from provider outages.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "healthy",
		"version":         version.Commit,
		"runtimeMode":     string(s.runtime.Mode()),
		"outboxEvents":    s.outbox.Len(),
		"knownExecutions": s.idempotency.Len(),
	})
}

// requestLogger logs each request at debug with method, path, and duration.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			slog.Debug("HTTP request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"duration", time.Since(start))
			return err
		}
	}
}
