package api

import (
	"net/http"
	"trainer/internal/health"
	"trainer/internal/worker"

	"github.com/go-chi/chi/v5"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Queue         Queue
	Jobs          JobSource
	State         *worker.State
	Stats         StatsSource
	HealthChecker *health.Checker
	Metrics       HTTPMetrics
	APIKey        string
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Queue, cfg.Jobs, cfg.State, cfg.Stats, cfg.HealthChecker)

	r := chi.NewRouter()

	// Outermost first.
	r.Use(RecoveryMiddleware())
	r.Use(LoggingMiddleware())
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}
	r.Use(CORSMiddleware())
	r.Use(ContentTypeMiddleware())

	// Probes - no auth required
	r.Get("/livez", handler.Livez)
	r.Get("/readyz", handler.Readyz)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIKey))
		r.Post("/v1/jobs", handler.CreateJob)
		r.Get("/v1/jobs/current", handler.CurrentJob)
		r.Get("/v1/worker", handler.Worker)
	})

	return r
}
