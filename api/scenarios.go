/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	dashboard data. Each scenario declares series from the ledgers presets
	and feeds them through the engine, so running totals, aggregates and
	goal statuses are exactly what live traffic would produce.

AVAILABLE SCENARIOS:

	collections:         Out-of-order inserts into a monthly running total
	debt-reduction:      Merged contributions against a lower-is-better target
	district-operations: One headcount snapshot per district and month
	dashboard:           All of the above plus weekly coverage

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Declare series via factory + ledgers presets
 3. Feed entries or contributions through the engine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "collections"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - ledgers/presets.go: Series JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/ledgers"
	"github.com/warp/rollup-engine/rollup"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "collections",
		Name:        "Monthly Collections",
		Description: "Running totals recomputed when a payment is back-dated between two others",
		Category:    "prefix_sum",
	},
	{
		ID:          "debt-reduction",
		Name:        "Debt Reduction",
		Description: "Outstanding balance merged per month against a lower-is-better target",
		Category:    "merge",
	},
	{
		ID:          "district-operations",
		Name:        "District Operations",
		Description: "Headcount snapshots, one per district per month",
		Category:    "none",
	},
	{
		ID:          "dashboard",
		Name:        "Full Dashboard",
		Description: "Every ledger preset, including weekly coverage per region",
		Category:    "mixed",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	current := h.getCurrentScenario()
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	loader, ok := h.scenarioLoaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.setCurrentScenario(req.ScenarioID)

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) scenarioLoaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"collections":         h.loadCollectionsScenario,
		"debt-reduction":      h.loadDebtReductionScenario,
		"district-operations": h.loadDistrictOperationsScenario,
		"dashboard":           h.loadDashboardScenario,
	}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadCollectionsScenario inserts a back-dated payment between two others in
// January, leaving running totals 100, 120, 170, and a quieter February.
func (h *Handler) loadCollectionsScenario(ctx context.Context) error {
	series, err := h.declareSeries(ctx, ledgers.MonthlyCollectionsJSON("collections", "Monthly collections", "USD", 150))
	if err != nil {
		return err
	}

	payments := []struct {
		date  rollup.Date
		value string
	}{
		{rollup.NewDate(2025, 1, 5), "100"},
		{rollup.NewDate(2025, 1, 10), "50"},
		{rollup.NewDate(2025, 1, 7), "20"},
		{rollup.NewDate(2025, 2, 3), "40"},
		{rollup.NewDate(2025, 2, 17), "65.50"},
	}
	for _, p := range payments {
		if _, err := h.Engine.CreateEntry(ctx, series, rollup.EntryInput{
			Date:  p.date,
			Value: decimal.RequireFromString(p.value),
		}); err != nil {
			return fmt.Errorf("collections %s: %w", p.date, err)
		}
	}
	return nil
}

// loadDebtReductionScenario opens January at 9,800,000 against a 9,300,000
// target and pays down 350,000 (not met), then February reaches its target.
func (h *Handler) loadDebtReductionScenario(ctx context.Context) error {
	series, err := h.declareSeries(ctx, ledgers.DebtReductionJSON("debt", "Outstanding debt", "USD"))
	if err != nil {
		return err
	}

	contributions := []struct {
		period rollup.PeriodKey
		delta  int64
		target int64
	}{
		{"2025-01", 9800000, 9300000},
		{"2025-01", -200000, 0},
		{"2025-01", -150000, 0},
		{"2025-02", 9450000, 9200000},
		{"2025-02", -300000, 0},
	}
	for _, c := range contributions {
		in := rollup.ContributionInput{Period: c.period, Delta: decimal.NewFromInt(c.delta)}
		if c.target != 0 {
			in.Target = decPtr(decimal.NewFromInt(c.target))
		}
		if _, err := h.Engine.MergeContribution(ctx, series, in); err != nil {
			return fmt.Errorf("debt %s: %w", c.period, err)
		}
	}
	return nil
}

func (h *Handler) loadDistrictOperationsScenario(ctx context.Context) error {
	series, err := h.declareSeries(ctx, ledgers.DistrictOperationsJSON("operations", "District operations"))
	if err != nil {
		return err
	}

	snapshots := []struct {
		date     rollup.Date
		district string
		count    int64
	}{
		{rollup.NewDate(2025, 1, 31), "north", 42},
		{rollup.NewDate(2025, 1, 31), "south", 37},
		{rollup.NewDate(2025, 2, 28), "north", 44},
		{rollup.NewDate(2025, 2, 28), "south", 35},
	}
	for _, s := range snapshots {
		if _, err := h.Engine.CreateEntry(ctx, series, rollup.EntryInput{
			Date:      s.date,
			Dimension: s.district,
			Value:     decimal.NewFromInt(s.count),
		}); err != nil {
			return fmt.Errorf("operations %s/%s: %w", s.date, s.district, err)
		}
	}
	return nil
}

func (h *Handler) loadDashboardScenario(ctx context.Context) error {
	for _, load := range []func(context.Context) error{
		h.loadCollectionsScenario,
		h.loadDebtReductionScenario,
		h.loadDistrictOperationsScenario,
	} {
		if err := load(ctx); err != nil {
			return err
		}
	}

	series, err := h.declareSeries(ctx, ledgers.WeeklyCoverageJSON("coverage", "Weekly coverage"))
	if err != nil {
		return err
	}
	week := rollup.NewDate(2025, 1, 8)
	for _, region := range []string{"east", "west"} {
		in := rollup.ContributionInput{Date: &week, Dimension: region, Delta: decimal.NewFromInt(60), Target: decPtr(decimal.NewFromInt(90))}
		if _, err := h.Engine.MergeContribution(ctx, series, in); err != nil {
			return fmt.Errorf("coverage %s: %w", region, err)
		}
	}
	in := rollup.ContributionInput{Date: &week, Dimension: "east", Delta: decimal.NewFromInt(35)}
	if _, err := h.Engine.MergeContribution(ctx, series, in); err != nil {
		return fmt.Errorf("coverage east: %w", err)
	}
	return nil
}

func (h *Handler) declareSeries(ctx context.Context, jsonStr string) (rollup.Series, error) {
	series, err := h.SeriesFactory.ParseSeries(jsonStr)
	if err != nil {
		return rollup.Series{}, err
	}
	if err := h.Engine.DeclareSeries(ctx, *series); err != nil {
		return rollup.Series{}, err
	}
	return *series, nil
}
