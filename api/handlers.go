/*
handlers.go - HTTP API handlers for the rollup engine

PURPOSE:
  Exposes series, entries, aggregates and goal status via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to the engine.

ENDPOINTS:
  Series:
    GET    /api/series                          List all series
    POST   /api/series                          Create series from JSON
    GET    /api/series/{id}                     Get series definition

  Entries (prefix_sum and none series):
    GET    /api/series/{id}/entries?period=     List entries with running totals
    POST   /api/series/{id}/entries             Create entry
    PUT    /api/series/{id}/entries/{entryID}   Edit entry (may move periods)
    DELETE /api/series/{id}/entries/{entryID}   Delete entry
    POST   /api/series/{id}/recompute?period=   Force a period recompute

  Aggregates (merge series):
    GET    /api/series/{id}/aggregates?period=  List accumulators
    POST   /api/series/{id}/contributions       Merge one contribution
    PUT    /api/series/{id}/targets             Set a period target

  Goals:
    GET    /api/series/{id}/status?period=&dimension=

  Admin:
    POST   /api/admin/reconcile                 Reconcile one or all series
    GET    /api/admin/runs?status=              Reconciliation history
    POST   /api/admin/reset                     Clear all data (dev only)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Series or entry not found
  - 409: Uniqueness conflict, concurrent modification
  - 500: Stale rollup (code "stale_rollup"), store failures

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/factory"
	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/rollup"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is everything the API needs from storage. Both the SQLite store
// and the transactional memory store satisfy it.
type Backend interface {
	rollup.Store
	rollup.SeriesStore
	rollup.RunStore
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine        *rollup.Engine
	Store         Backend
	SeriesFactory *factory.SeriesFactory
	Scheduler     *ReconciliationScheduler

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over the engine's store.
func NewHandler(engine *rollup.Engine, store Backend, scheduler *ReconciliationScheduler) *Handler {
	return &Handler{
		Engine:        engine,
		Store:         store,
		SeriesFactory: factory.NewSeriesFactory(),
		Scheduler:     scheduler,
	}
}

// =============================================================================
// SERIES HANDLERS
// =============================================================================

// ListSeries returns all series.
func (h *Handler) ListSeries(w http.ResponseWriter, r *http.Request) {
	all, err := h.Store.ListSeries(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	dtos := make([]SeriesDTO, len(all))
	for i, s := range all {
		dtos[i] = h.SeriesFactory.ToJSON(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSeries validates a series definition and stores it. Re-posting an
// existing id replaces the definition, except that kind, strategy,
// granularity and uniqueness are fixed once the series holds data.
func (h *Handler) CreateSeries(w http.ResponseWriter, r *http.Request) {
	var req SeriesDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	series, err := h.SeriesFactory.FromJSON(req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := h.Engine.DeclareSeries(r.Context(), *series); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.SeriesFactory.ToJSON(*series))
}

// GetSeries returns one series definition.
func (h *Handler) GetSeries(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.SeriesFactory.ToJSON(series))
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ListEntries returns entries ordered by date, optionally for one period.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	entries, err := h.Engine.ListEntries(r.Context(), series, rollup.PeriodKey(r.URL.Query().Get("period")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(series, entries))
}

// CreateEntry adds an entry and returns it with its running total.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}

	entry, err := h.Engine.CreateEntry(r.Context(), series, rollup.EntryInput{
		Date:      date,
		Dimension: req.Dimension,
		Value:     req.Value,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(series, entry))
}

// UpdateEntry edits an entry. A date in another period moves the entry and
// gives it a new id.
func (h *Handler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	var req UpdateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	upd := rollup.EntryUpdate{Dimension: req.Dimension, Value: req.Value}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		upd.Date = &date
	}

	entry, err := h.Engine.UpdateEntry(r.Context(), series, rollup.EntryID(chi.URLParam(r, "entryID")), upd)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(series, entry))
}

// DeleteEntry removes an entry.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	if err := h.Engine.DeleteEntry(r.Context(), series, rollup.EntryID(chi.URLParam(r, "entryID"))); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecomputePeriod forces a recompute of one period.
func (h *Handler) RecomputePeriod(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	result, err := h.Engine.RecomputePeriod(r.Context(), series, rollup.PeriodKey(r.URL.Query().Get("period")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecomputeDTO{
		SeriesID: string(result.SeriesID),
		Period:   string(result.Period),
		Changed:  result.Changed,
		Total:    result.Total,
		Entries:  toEntryDTOs(series, result.Entries),
	})
}

// =============================================================================
// AGGREGATE HANDLERS
// =============================================================================

// ListAggregates returns the accumulators of a merge series.
func (h *Handler) ListAggregates(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	aggs, err := h.Engine.Aggregates(r.Context(), series, rollup.PeriodKey(r.URL.Query().Get("period")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	dtos := make([]AggregateDTO, len(aggs))
	for i, a := range aggs {
		dtos[i] = toAggregateDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// MergeContribution adds one delta to the aggregate of its period.
func (h *Handler) MergeContribution(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	var req ContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := rollup.ContributionInput{
		Period:    rollup.PeriodKey(req.Period),
		Dimension: req.Dimension,
		Delta:     req.Delta,
		Target:    req.Target,
	}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		in.Date = &date
	}

	agg, err := h.Engine.MergeContribution(r.Context(), series, in)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// SetTarget sets the target of a merge-series period.
func (h *Handler) SetTarget(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	var req SetTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	agg, err := h.Engine.SetTarget(r.Context(), series, rollup.PeriodKey(req.Period), req.Dimension, req.Target)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAggregateDTO(agg))
}

// =============================================================================
// GOAL STATUS
// =============================================================================

// GetStatus classifies a period against its target.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	series, ok := h.series(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	report, err := h.Engine.PeriodStatus(r.Context(), series, rollup.PeriodKey(q.Get("period")), q.Get("dimension"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(report))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile runs a recorded reconcile pass over one series, or every series
// when the body names none.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.Body != nil && r.Body != http.NoBody {
		// An empty body reconciles every series
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	if req.SeriesID == "" {
		runs := h.Scheduler.RunNow(r.Context())
		if runs == nil {
			runs = []ReconcileRunDTO{}
		}
		writeJSON(w, http.StatusOK, runs)
		return
	}

	series, err := h.Store.GetSeries(r.Context(), rollup.SeriesID(req.SeriesID))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	run, report, err := h.Scheduler.ReconcileSeries(r.Context(), series)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, []ReconcileRunDTO{toRunDTO(run, &report)})
}

// ListReconciliationRuns returns recorded runs, newest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), rollup.RunStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	dtos := make([]ReconcileRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run, nil)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// series loads the series named by the {id} route parameter, writing the
// error response itself when it cannot.
func (h *Handler) series(w http.ResponseWriter, r *http.Request) (rollup.Series, bool) {
	series, err := h.Store.GetSeries(r.Context(), rollup.SeriesID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, r, err)
		return rollup.Series{}, false
	}
	return series, true
}

func parseDate(s string) (rollup.Date, error) {
	d, err := rollup.ParseDate(s)
	if err != nil {
		return rollup.Date{}, &rollup.ValidationError{Field: "date", Reason: "expected YYYY-MM-DD, got " + s}
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine and store errors to HTTP statuses. Server-side
// failures are logged with the request logger.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classifyError(err)
	if status >= http.StatusInternalServerError {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "request failed",
			log.FieldPath, r.URL.Path, "code", resp.Code, log.FieldError, err)
	}
	writeJSON(w, status, resp)
}

func classifyError(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error()}

	var ve *rollup.ValidationError
	var ce *rollup.ConflictError
	var stale *rollup.StaleRollupError
	switch {
	case errors.As(err, &ve):
		resp.Code = "validation"
		resp.Field = ve.Field
		return http.StatusBadRequest, resp
	case errors.As(err, &ce):
		resp.Code = "conflict"
		if ce.ExistingID != "" {
			resp.Details = map[string]string{"existing_id": string(ce.ExistingID)}
		}
		return http.StatusConflict, resp
	case errors.As(err, &stale):
		resp.Code = "stale_rollup"
		resp.Details = map[string]string{"series_id": string(stale.SeriesID), "period": string(stale.Period)}
		return http.StatusInternalServerError, resp
	case errors.Is(err, rollup.ErrConcurrentModification):
		resp.Code = "concurrent_modification"
		return http.StatusConflict, resp
	case rollup.IsNotFound(err):
		resp.Code = "not_found"
		return http.StatusNotFound, resp
	default:
		resp.Code = "internal"
		return http.StatusInternalServerError, resp
	}
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentScenario = id
}

func (h *Handler) getCurrentScenario() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentScenario
}

func decPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}
