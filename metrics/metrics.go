/*
metrics.go - Prometheus instrumentation

Metrics implements rollup.Observer so the engine's recompute, merge, conflict
and retry hooks become Prometheus series, and wraps chi routes with request
counters. A nil *Metrics is a valid no-op.
*/
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/rollup-engine/rollup"
)

const namespace = "rollup"

type Metrics struct {
	recomputes        *prometheus.CounterVec
	recomputeEntries  *prometheus.HistogramVec
	recomputeDuration *prometheus.HistogramVec
	merges            *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	retries           *prometheus.CounterVec

	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Period recomputes committed, by series.",
		}, []string{"series"}),
		recomputeEntries: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_entries",
			Help:      "Entries rewritten per period recompute.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"series"}),
		recomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent recomputing one period.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"series"}),
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merges_total",
			Help:      "Contributions merged into aggregates, by series.",
		}, []string{"series"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uniqueness_conflicts_total",
			Help:      "Writes rejected by a uniqueness guard, by series.",
		}, []string{"series"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Optimistic-concurrency retries, by series and operation.",
		}, []string{"series", "op"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		gatherer: gatherer,
	}

	reg.MustRegister(
		m.recomputes,
		m.recomputeEntries,
		m.recomputeDuration,
		m.merges,
		m.conflicts,
		m.retries,
		m.httpRequestsTotal,
		m.httpDuration,
	)
	return m
}

// =============================================================================
// rollup.Observer
// =============================================================================

var _ rollup.Observer = (*Metrics)(nil)

func (m *Metrics) ObserveRecompute(seriesID rollup.SeriesID, entries int, d time.Duration) {
	if m == nil {
		return
	}
	m.recomputes.WithLabelValues(string(seriesID)).Inc()
	m.recomputeEntries.WithLabelValues(string(seriesID)).Observe(float64(entries))
	m.recomputeDuration.WithLabelValues(string(seriesID)).Observe(d.Seconds())
}

func (m *Metrics) ObserveMerge(seriesID rollup.SeriesID) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(string(seriesID)).Inc()
}

func (m *Metrics) ObserveConflict(seriesID rollup.SeriesID) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(string(seriesID)).Inc()
}

func (m *Metrics) ObserveRetry(seriesID rollup.SeriesID, op string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(seriesID), op).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware counts requests by chi route pattern, so /api/series/{id} is one
// label value regardless of the id.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
