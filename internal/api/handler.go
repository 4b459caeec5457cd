// Package api provides the worker's HTTP surface: probes, job submission and
// a view of the job in progress.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
	"trainer/internal/apperrors"
	"trainer/internal/health"
	"trainer/internal/job"
	"trainer/internal/notify"
	"trainer/internal/worker"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Queue is where submitted jobs are published.
type Queue interface {
	Publish(ctx context.Context, body []byte) (string, error)
	Len(ctx context.Context) (int, error)
}

// JobSource reports the job in progress, nil when idle.
type JobSource interface {
	Current() *job.Snapshot
}

// StatsSource reports notification dispatcher statistics.
type StatsSource interface {
	Stats() notify.Stats
}

// SubmitResponse is returned for an accepted job.
type SubmitResponse struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// WorkerResponse describes the worker process.
type WorkerResponse struct {
	Processing    bool          `json:"processing"`
	ShuttingDown  bool          `json:"shutting_down"`
	LastActivity  time.Time     `json:"last_activity"`
	IdleSeconds   float64       `json:"idle_seconds"`
	QueueLength   *int          `json:"queue_length,omitempty"`
	Notifications *notify.Stats `json:"notifications,omitempty"`
}

// Handler contains HTTP handlers for the worker API
type Handler struct {
	queue  Queue
	jobs   JobSource
	state  *worker.State
	stats  StatsSource
	health *health.Checker
}

// NewHandler creates a new API handler. Any dependency may be nil; the
// endpoints that need it then answer 503.
func NewHandler(q Queue, jobs JobSource, state *worker.State, stats StatsSource, healthChecker *health.Checker) *Handler {
	return &Handler{
		queue:  q,
		jobs:   jobs,
		state:  state,
		stats:  stats,
		health: healthChecker,
	}
}

// CreateJob handles POST /v1/jobs. The request is validated with defaults
// applied, then published as submitted inside the queue envelope.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	checked := req
	job.ApplyDefaults(&checked)
	if err := job.Validate(&checked); err != nil {
		h.handleError(w, r, err)
		return
	}

	if h.queue == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Queue not configured")
		return
	}
	body, err := job.EncodeEnvelope(&req)
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.encode", err))
		return
	}
	id, err := h.queue.Publish(r.Context(), body)
	if err != nil {
		h.handleError(w, r, apperrors.Internal("api.publish", err))
		return
	}

	// A queued submission counts as activity so the idle monitor does not
	// tear the instance down before the message is received.
	if h.state != nil {
		h.state.Touch()
	}
	slog.InfoContext(r.Context(), "Job queued", "jobId", req.JobID, "messageId", id)
	h.writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, JobID: req.JobID, Status: "queued"})
}

// CurrentJob handles GET /v1/jobs/current
func (h *Handler) CurrentJob(w http.ResponseWriter, r *http.Request) {
	var snap *job.Snapshot
	if h.jobs != nil {
		snap = h.jobs.Current()
	}
	if snap == nil {
		h.handleError(w, r, apperrors.NotFound("job", "current"))
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Worker handles GET /v1/worker
func (h *Handler) Worker(w http.ResponseWriter, r *http.Request) {
	if h.state == nil {
		h.writeError(w, http.StatusServiceUnavailable, "Worker state not available")
		return
	}

	s := h.state.Snapshot()
	resp := WorkerResponse{
		Processing:   s.Processing,
		ShuttingDown: s.ShuttingDown,
		LastActivity: s.LastActivity,
		IdleSeconds:  h.state.IdleFor().Seconds(),
	}
	if h.queue != nil {
		if n, err := h.queue.Len(r.Context()); err == nil {
			resp.QueueLength = &n
		} else {
			slog.WarnContext(r.Context(), "Failed to read queue length", "error", err)
		}
	}
	if h.stats != nil {
		st := h.stats.Stats()
		resp.Notifications = &st
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Livez handles GET /livez - liveness probe.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while shutting down or when the queue is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	errorJSON(w, status, message)
}

// handleError maps application errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
