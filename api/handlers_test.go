/*
handlers_test.go - HTTP tests for the API handlers

Tests drive the chi router with httptest against the transactional memory
store, so every request goes through the same middleware and engine wiring
as production.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rollup-engine/ledgers"
	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/rollup"
	"github.com/warp/rollup-engine/rollup/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	router  *chi.Mux
	handler *Handler
	store   *store.TxMemory
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewTxMemory()
	engine := rollup.NewEngine(st)
	logger := log.New(log.Config{Level: slog.LevelError, Component: log.ComponentApp, Output: io.Discard})
	scheduler := NewReconciliationScheduler(engine, st, logger)
	h := NewHandler(engine, st, scheduler)
	return &testServer{
		router:  NewRouter(h, RouterConfig{Logger: logger}),
		handler: h,
		store:   st,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) declare(t *testing.T, jsonStr string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/series", jsonStr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func runningTotals(entries []EntryDTO) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Date+"="+e.RunningTotal.String())
	}
	return out
}

// =============================================================================
// SERIES
// =============================================================================

func TestSeries_CreateGetList(t *testing.T) {
	s := setupTestServer(t)

	s.declare(t, ledgers.MonthlyCollectionsJSON("collections", "Collections", "USD", 150))

	rec := s.do(t, http.MethodGet, "/api/series/collections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[SeriesDTO](t, rec)
	assert.Equal(t, "prefix_sum", got.Strategy)
	require.NotNil(t, got.Target)
	assert.Equal(t, "150", got.Target.String())

	list := decode[[]SeriesDTO](t, s.do(t, http.MethodGet, "/api/series", nil))
	assert.Len(t, list, 1)
}

func TestSeries_Errors(t *testing.T) {
	s := setupTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/series/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/series", `{"id": "x", "kind": "ratio"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "kind", decode[ErrorResponse](t, rec).Field)

	rec = s.do(t, http.MethodPost, "/api/series", `{"id": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSeries_RedefinitionKeepsShapeOfHeldData(t *testing.T) {
	// GIVEN: a monthly series with one entry
	s := setupTestServer(t)
	s.declare(t, ledgers.MonthlyCollectionsJSON("collections", "Collections", "USD", 0))
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/series/collections/entries", `{"date": "2025-01-06", "value": "100"}`).Code)

	// WHEN: the series is re-posted as weekly
	rec := s.do(t, http.MethodPost, "/api/series", `{"id": "collections", "kind": "amount", "granularity": "iso_week"}`)

	// THEN
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "granularity", decode[ErrorResponse](t, rec).Field)
	assert.Equal(t, "month", decode[SeriesDTO](t, s.do(t, http.MethodGet, "/api/series/collections", nil)).Granularity)

	// AND: renaming is still allowed
	rec = s.do(t, http.MethodPost, "/api/series", `{"id": "collections", "name": "Net collections", "kind": "amount", "unit": "USD"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "Net collections", decode[SeriesDTO](t, rec).Name)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestEntries_BackdatedInsertRecomputesRunningTotals(t *testing.T) {
	// GIVEN
	s := setupTestServer(t)
	s.declare(t, ledgers.MonthlyCollectionsJSON("collections", "Collections", "USD", 0))
	for _, body := range []string{
		`{"date": "2025-01-05", "value": "100"}`,
		`{"date": "2025-01-10", "value": 50}`,
	} {
		require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/series/collections/entries", body).Code)
	}

	// WHEN
	rec := s.do(t, http.MethodPost, "/api/series/collections/entries", `{"date": "2025-01-07", "value": "20"}`)

	// THEN
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[EntryDTO](t, rec)
	assert.Equal(t, "2025-01", created.Period)
	assert.Equal(t, "120", created.RunningTotal.String())

	entries := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/series/collections/entries?period=2025-01", nil))
	assert.Equal(t, []string{"2025-01-05=100", "2025-01-07=120", "2025-01-10=170"}, runningTotals(entries))
}

func TestEntries_MoveAndDelete(t *testing.T) {
	s := setupTestServer(t)
	s.declare(t, ledgers.MonthlyCollectionsJSON("collections", "Collections", "USD", 0))
	s.do(t, http.MethodPost, "/api/series/collections/entries", `{"date": "2025-01-05", "value": "100"}`)
	last := decode[EntryDTO](t, s.do(t, http.MethodPost, "/api/series/collections/entries", `{"date": "2025-01-10", "value": "50"}`))

	// Moving to February re-creates the entry under a new id
	rec := s.do(t, http.MethodPut, "/api/series/collections/entries/"+last.ID, `{"date": "2025-02-02"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	moved := decode[EntryDTO](t, rec)
	assert.Equal(t, "2025-02", moved.Period)
	assert.NotEqual(t, last.ID, moved.ID)

	jan := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/series/collections/entries?period=2025-01", nil))
	assert.Equal(t, []string{"2025-01-05=100"}, runningTotals(jan))

	rec = s.do(t, http.MethodDelete, "/api/series/collections/entries/"+moved.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/series/collections/entries/"+moved.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEntries_UniqueConflict(t *testing.T) {
	s := setupTestServer(t)
	s.declare(t, ledgers.DistrictOperationsJSON("operations", "Operations"))
	first := decode[EntryDTO](t, s.do(t, http.MethodPost, "/api/series/operations/entries", `{"date": "2025-01-31", "dimension": "north", "value": 42}`))

	rec := s.do(t, http.MethodPost, "/api/series/operations/entries", `{"date": "2025-01-02", "dimension": "north", "value": 40}`)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "conflict", resp.Code)
	assert.Equal(t, map[string]any{"existing_id": first.ID}, resp.Details)

	// Another district in the same month is fine
	rec = s.do(t, http.MethodPost, "/api/series/operations/entries", `{"date": "2025-01-31", "dimension": "south", "value": 37}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestEntries_ValidationErrors(t *testing.T) {
	s := setupTestServer(t)
	s.declare(t, ledgers.DistrictOperationsJSON("operations", "Operations"))

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"bad date", `{"date": "31/01/2025", "dimension": "north", "value": 1}`, "date"},
		{"negative count", `{"date": "2025-01-31", "dimension": "north", "value": -1}`, "value"},
		{"fractional count", `{"date": "2025-01-31", "dimension": "north", "value": "1.5"}`, "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/series/operations/entries", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, "validation", resp.Code)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestRecompute_OnlyPrefixSum(t *testing.T) {
	s := setupTestServer(t)
	s.declare(t, ledgers.MonthlyCollectionsJSON("collections", "Collections", "USD", 0))
	s.declare(t, ledgers.DistrictOperationsJSON("operations", "Operations"))
	s.do(t, http.MethodPost, "/api/series/collections/entries", `{"date": "2025-01-05", "value": "100"}`)

	rec := s.do(t, http.MethodPost, "/api/series/collections/recompute?period=2025-01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[RecomputeDTO](t, rec)
	assert.Equal(t, "100", result.Total.String())
	assert.Len(t, result.Entries, 1)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/series/collections/recompute?period=January", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/series/operations/recompute?period=2025-01", nil).Code)
}

// =============================================================================
// AGGREGATES AND GOALS
// =============================================================================

func TestMerge_DebtReductionNotMet(t *testing.T) {
	// GIVEN
	s := setupTestServer(t)
	s.declare(t, ledgers.DebtReductionJSON("debt", "Debt", "USD"))

	// A first contribution without target is rejected
	rec := s.do(t, http.MethodPost, "/api/series/debt/contributions", `{"period": "2025-01", "delta": 9800000}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "target", decode[ErrorResponse](t, rec).Field)

	// WHEN
	for _, body := range []string{
		`{"period": "2025-01", "delta": 9800000, "target": 9300000}`,
		`{"period": "2025-01", "delta": -200000}`,
		`{"date": "2025-01-20", "delta": "-150000"}`,
	} {
		require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/series/debt/contributions", body).Code)
	}

	// THEN
	aggs := decode[[]AggregateDTO](t, s.do(t, http.MethodGet, "/api/series/debt/aggregates?period=2025-01", nil))
	require.Len(t, aggs, 1)
	assert.Equal(t, "9450000", aggs[0].Accumulated.String())
	assert.Equal(t, int64(3), aggs[0].Contributions)

	status := decode[StatusDTO](t, s.do(t, http.MethodGet, "/api/series/debt/status?period=2025-01", nil))
	assert.Equal(t, "not_met", status.Status)
	assert.Equal(t, "9300000", status.Target.String())
}

func TestSetTarget_PendingUntilFirstContribution(t *testing.T) {
	s := setupTestServer(t)
	s.declare(t, ledgers.WeeklyCoverageJSON("coverage", "Coverage"))

	rec := s.do(t, http.MethodPut, "/api/series/coverage/targets", `{"period": "2025-01-06", "dimension": "east", "target": 90}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := decode[StatusDTO](t, s.do(t, http.MethodGet, "/api/series/coverage/status?period=2025-01-06&dimension=east", nil))
	assert.Equal(t, "pending", status.Status)

	// Week keys must be Mondays
	rec = s.do(t, http.MethodPut, "/api/series/coverage/targets", `{"period": "2025-01-08", "dimension": "east", "target": 90}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatus_NoData(t *testing.T) {
	s := setupTestServer(t)
	s.declare(t, ledgers.MonthlyCollectionsJSON("collections", "Collections", "USD", 150))

	status := decode[StatusDTO](t, s.do(t, http.MethodGet, "/api/series/collections/status?period=2025-03", nil))
	assert.Equal(t, "no_data", status.Status)
	assert.Nil(t, status.Value)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestScenarios_LoadDashboard(t *testing.T) {
	// GIVEN
	s := setupTestServer(t)
	assert.Len(t, decode[[]ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios", nil)), len(scenarios))

	// WHEN
	rec := s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "dashboard"}`)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]SeriesDTO](t, s.do(t, http.MethodGet, "/api/series", nil)), 4)
	assert.Equal(t, "dashboard", decode[ScenarioDTO](t, s.do(t, http.MethodGet, "/api/scenarios/current", nil)).ID)

	jan := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/series/collections/entries?period=2025-01", nil))
	assert.Equal(t, []string{"2025-01-05=100", "2025-01-07=120", "2025-01-10=170"}, runningTotals(jan))

	statuses := map[string]string{
		"/api/series/collections/status?period=2025-01":                "met",
		"/api/series/debt/status?period=2025-01":                       "not_met",
		"/api/series/debt/status?period=2025-02":                       "met",
		"/api/series/coverage/status?period=2025-01-06&dimension=east": "met",
		"/api/series/coverage/status?period=2025-01-06&dimension=west": "not_met",
		"/api/series/operations/status?period=2025-01&dimension=north": "no_data",
	}
	for path, want := range statuses {
		assert.Equal(t, want, decode[StatusDTO](t, s.do(t, http.MethodGet, path, nil)).Status, path)
	}
}

func TestScenarios_ReloadResets(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "dashboard"}`).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "collections"}`).Code)

	assert.Len(t, decode[[]SeriesDTO](t, s.do(t, http.MethodGet, "/api/series", nil)), 1)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "nope"}`).Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestReconcile_RepairsStalePeriod(t *testing.T) {
	// GIVEN: a running total corrupted behind the engine's back
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "collections"}`).Code)

	ctx := context.Background()
	entries, err := s.store.QueryEntries(ctx, rollup.EntryQuery{SeriesID: "collections", Period: "2025-02"})
	require.NoError(t, err)
	wrong := decimal.NewFromInt(1)
	require.NoError(t, s.store.BatchWrite(ctx, []rollup.EntryPatch{{ID: entries[0].ID, ExpectedVersion: entries[0].Version, RunningTotal: &wrong}}))

	// WHEN
	rec := s.do(t, http.MethodPost, "/api/admin/reconcile", `{"series_id": "collections"}`)

	// THEN
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	runs := decode[[]ReconcileRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, []string{"2025-02"}, runs[0].RepairedPeriods)

	feb := decode[[]EntryDTO](t, s.do(t, http.MethodGet, "/api/series/collections/entries?period=2025-02", nil))
	assert.Equal(t, []string{"2025-02-03=40", "2025-02-17=105.5"}, runningTotals(feb))

	history := decode[[]ReconcileRunDTO](t, s.do(t, http.MethodGet, "/api/admin/runs?status=completed", nil))
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Repaired)
}

func TestReconcile_AllSeries(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "dashboard"}`).Code)

	rec := s.do(t, http.MethodPost, "/api/admin/reconcile", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]ReconcileRunDTO](t, rec)
	assert.Len(t, runs, 4)
	for _, run := range runs {
		assert.Equal(t, "completed", run.Status, run.SeriesID)
		assert.Zero(t, run.Repaired, run.SeriesID)
	}

	rec = s.do(t, http.MethodPost, "/api/admin/reconcile", `{"series_id": "missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconcile_ChunkedBodyNamesOneSeries(t *testing.T) {
	// GIVEN
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "dashboard"}`).Code)

	// WHEN: the body arrives without a Content-Length
	req := httptest.NewRequest(http.MethodPost, "/api/admin/reconcile", strings.NewReader(`{"series_id": "debt"}`))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	// THEN: only the named series is reconciled
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	runs := decode[[]ReconcileRunDTO](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, "debt", runs[0].SeriesID)
}

func TestReconcile_EmptyBodyMeansAllSeries(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "dashboard"}`).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reconcile", io.NopCloser(strings.NewReader("")))
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[[]ReconcileRunDTO](t, rec), 4)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/admin/reconcile", `{"series_id": `).Code)
}

func TestResetDatabase(t *testing.T) {
	s := setupTestServer(t)
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id": "collections"}`).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/admin/reset", nil).Code)

	assert.Empty(t, decode[[]SeriesDTO](t, s.do(t, http.MethodGet, "/api/series", nil)))
	assert.Equal(t, "null", strings.TrimSpace(s.do(t, http.MethodGet, "/api/scenarios/current", nil).Body.String()))
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &rollup.ValidationError{Field: "value", Reason: "bad"}, http.StatusBadRequest, "validation"},
		{"conflict", &rollup.ConflictError{SeriesID: "s", Period: "2025-01"}, http.StatusConflict, "conflict"},
		{"concurrent modification", &rollup.StoreError{Op: "batch", Err: rollup.ErrConcurrentModification}, http.StatusConflict, "concurrent_modification"},
		{"stale rollup", &rollup.StaleRollupError{SeriesID: "s", Period: "2025-01", Err: rollup.ErrConcurrentModification}, http.StatusInternalServerError, "stale_rollup"},
		{"joined stale rollup", errors.Join(&rollup.StaleRollupError{SeriesID: "s", Period: "2025-02", Err: errors.New("disk full")}), http.StatusInternalServerError, "stale_rollup"},
		{"entry not found", rollup.ErrEntryNotFound, http.StatusNotFound, "not_found"},
		{"series not found", rollup.ErrSeriesNotFound, http.StatusNotFound, "not_found"},
		{"store failure", errors.New("database is locked"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := classifyError(tt.err)

			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

// =============================================================================
// CORS
// =============================================================================

func corsPreflight(t *testing.T, origins []string, origin string) http.Header {
	t.Helper()
	st := store.NewTxMemory()
	engine := rollup.NewEngine(st)
	logger := log.New(log.Config{Level: slog.LevelError, Output: io.Discard})
	h := NewHandler(engine, st, NewReconciliationScheduler(engine, st, logger))
	router := NewRouter(h, RouterConfig{CORSOrigins: origins})

	req := httptest.NewRequest(http.MethodOptions, "/api/series", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec.Header()
}

func TestCORS_WildcardNeverAllowsCredentials(t *testing.T) {
	headers := corsPreflight(t, []string{"*"}, "http://evil.test")

	assert.Empty(t, headers.Get("Access-Control-Allow-Credentials"))
}

func TestCORS_ExplicitOriginsAllowCredentials(t *testing.T) {
	headers := corsPreflight(t, nil, "http://localhost:5173")
	assert.Equal(t, "http://localhost:5173", headers.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", headers.Get("Access-Control-Allow-Credentials"))

	headers = corsPreflight(t, nil, "http://evil.test")
	assert.Empty(t, headers.Get("Access-Control-Allow-Origin"))
}
