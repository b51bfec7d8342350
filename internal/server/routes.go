package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/ahmethakanbesel/candle-collector/internal/job"
)

// Pinger checks a dependency's liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds everything the handlers need.
type Deps struct {
	Jobs *job.Service
	// Store backs the health check.
	Store Pinger
	// Upstream backs the ping endpoint.
	Upstream Pinger
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(deps Deps) http.Handler {
	return newRouter(deps)
}

func newRouter(deps Deps) http.Handler {
	h := &handler{
		jobs:     deps.Jobs,
		store:    deps.Store,
		upstream: deps.Upstream,
		pings:    &singleflight.Group{},
	}

	r := chi.NewRouter()

	// Middleware stack: requestID -> logging -> recovery
	r.Use(requestID)
	r.Use(logging)
	r.Use(recovery)

	r.Get("/api/v1/health", h.health)
	r.Get("/api/v1/ping", h.ping)

	r.Route("/api/v1/historical", func(r chi.Router) {
		r.Post("/request", h.submit)
		r.Get("/pending", h.listPending)
		r.Get("/catalog", h.catalog)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{jobID}", h.getJob)
		r.Post("/jobs/{jobID}/cancel", h.cancelJob)
		r.Delete("/jobs/{jobID}", h.purgeJob)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}
