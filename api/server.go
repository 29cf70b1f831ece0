/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (log.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. Metrics:    Prometheus request counters by route pattern
  5. CORS:       Cross-origin requests for dashboard frontends. Credentials
                are only allowed for an explicit origin list, never with "*".

ROUTE GROUPS:
  /api/series/*         Series, entries, aggregates, goal status
  /api/scenarios/*      Demo scenarios
  /api/admin/*          Reconciliation and reset
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/metrics"
)

// DefaultCORSOrigins are the local dashboard frontends.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// RouterConfig carries the cross-cutting pieces of the router.
type RouterConfig struct {
	Logger      *log.Logger
	Metrics     *metrics.Metrics // nil disables request metrics and /metrics
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = DefaultCORSOrigins
	}

	// Middleware
	r.Use(middleware.RequestID)
	if cfg.Logger != nil {
		r.Use(log.Middleware(cfg.Logger))
	}
	r.Use(middleware.Recoverer)
	r.Use(cfg.Metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !slices.Contains(origins, "*"),
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/series", func(r chi.Router) {
			r.Get("/", h.ListSeries)
			r.Post("/", h.CreateSeries)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSeries)

				// Entries
				r.Get("/entries", h.ListEntries)
				r.Post("/entries", h.CreateEntry)
				r.Put("/entries/{entryID}", h.UpdateEntry)
				r.Delete("/entries/{entryID}", h.DeleteEntry)
				r.Post("/recompute", h.RecomputePeriod)

				// Aggregates
				r.Get("/aggregates", h.ListAggregates)
				r.Post("/contributions", h.MergeContribution)
				r.Put("/targets", h.SetTarget)

				r.Get("/status", h.GetStatus)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
			r.Get("/runs", h.ListReconciliationRuns)
			r.Post("/reset", h.ResetDatabase)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}
