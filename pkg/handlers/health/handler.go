package health

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/anganwadi-lens/core/pkg/logger"
	"github.com/anganwadi-lens/core/pkg/models/api"
)

// Readiness is satisfied by *jobs.Scheduler
type Readiness interface {
	Ready() bool
	ActiveCount() int
}

// Handler handles health check requests
type Handler struct {
	readiness Readiness
	logger    *logger.Logger
}

// NewHandler creates a new health handler
func NewHandler(readiness Readiness, log *logger.Logger) *Handler {
	return &Handler{
		readiness: readiness,
		logger:    log,
	}
}

// HealthCheck handles the /health endpoint. It reports 503 until the
// scheduler has reconciled persisted jobs.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	response := api.HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Scheduler:  "ready",
		ActiveJobs: h.readiness.ActiveCount(),
	}
	status := http.StatusOK
	if !h.readiness.Ready() {
		response.Status = "starting"
		response.Scheduler = "reconciling"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().
			Err(err).
			Str("action", "health_check_failed").
			Str("endpoint", "/health").
			Msg("Failed to encode health response")
		return
	}

	h.logger.Debug().
		Str("action", "health_check").
		Str("endpoint", "/health").
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Int("status_code", status).
		Dur("duration", time.Since(start)).
		Msg("Health check completed")
}
