package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/aro-automation/aro/pkg/database"
	"github.com/aro-automation/aro/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's line in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the body of GET /health and GET /ready.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access. Only
// Core's own components (database, dispatch worker) are checked; provider
// reachability is deliberately excluded so an upstream outage cannot get
// Core restarted by its orchestrator.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.worker != nil {
		wh := s.worker.Health()
		check := HealthCheck{Status: healthStatusHealthy}
		if wh.CommandsDeadLetter > 0 {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			check = HealthCheck{Status: healthStatusDegraded, Message: "commands have been dead-lettered"}
		}
		checks["dispatch_worker"] = check
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Commit,
		Checks:  checks,
	})
}

// readyHandler handles GET /ready. Readiness is stricter than liveness: the
// database must answer before the instance should receive traffic.
func (s *Server) readyHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	hs, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:  healthStatusUnhealthy,
			Version: version.Commit,
			Checks: map[string]HealthCheck{
				"database": {Status: healthStatusUnhealthy, Message: err.Error()},
			},
		})
	}

	return c.JSON(http.StatusOK, &HealthResponse{
		Status:  healthStatusHealthy,
		Version: version.Commit,
		Checks: map[string]HealthCheck{
			"database": {Status: hs.Status},
		},
	})
}
