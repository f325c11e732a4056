package handlers

import (
	"time"

	"familyhub/internal/health"
	"familyhub/internal/jobs"
	"github.com/gofiber/fiber/v2"
)

// SessionCounter reports live sessions
type SessionCounter interface {
	ActiveSessionCount() int
}

// ConnectionCounter reports live transports
type ConnectionCounter interface {
	ConnectionCount() int
}

// JobReporter reports maintenance job history
type JobReporter interface {
	GetStatus() map[string]jobs.JobStatus
}

// HealthHandler handles health check requests
type HealthHandler struct {
	health      *health.Service
	sessions    SessionCounter
	connections ConnectionCounter
	jobs        JobReporter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(healthService *health.Service, sessions SessionCounter, connections ConnectionCounter) *HealthHandler {
	return &HealthHandler{health: healthService, sessions: sessions, connections: connections}
}

// WithJobs adds maintenance job history to the response
func (h *HealthHandler) WithJobs(j JobReporter) *HealthHandler {
	h.jobs = j
	return h
}

// Handle responds with server health and every dependency breaker. With
// ?probe=true the dependency probes run first. Open breakers degrade the
// status but keep a 200 so the process is not restarted for a sick dependency.
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	resp := fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if c.QueryBool("probe") {
		failed := map[string]string{}
		for dep, err := range h.health.RunProbes(c.UserContext()) {
			failed[dep] = err.Error()
		}
		resp["probe_failures"] = failed
	}

	status := h.health.GetStatus()
	if closed, _ := status["all_closed"].(bool); !closed {
		resp["status"] = "degraded"
	}
	resp["dependencies"] = status
	if h.sessions != nil {
		resp["sessions"] = h.sessions.ActiveSessionCount()
	}
	if h.connections != nil {
		resp["connections"] = h.connections.ConnectionCount()
	}
	if h.jobs != nil {
		resp["jobs"] = h.jobs.GetStatus()
	}
	return c.JSON(resp)
}
