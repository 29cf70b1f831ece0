/*
Package ledgers provides preset series definitions for dashboard ledgers.

These functions return JSON series definitions for the ledgers a finance or
operations dashboard usually starts with (monthly collections, outstanding
debt, district headcount, weekly coverage). They construct JSON strings
directly to avoid import cycles with the factory package.

USAGE:
  import "github.com/warp/rollup-engine/ledgers"

  jsonStr := ledgers.MonthlyCollectionsJSON("collections-2025", "Collections", "USD", 125000)
  series, err := factory.NewSeriesFactory().ParseSeries(jsonStr)
*/
package ledgers

import (
	"encoding/json"
)

// MonthlyCollectionsJSON returns JSON for an amount series whose entries carry
// a running total within each month.
func MonthlyCollectionsJSON(id, name, unit string, monthlyTarget float64) string {
	sj := map[string]interface{}{
		"id":          id,
		"name":        name,
		"kind":        "amount",
		"unit":        unit,
		"strategy":    "prefix_sum",
		"granularity": "month",
		"direction":   "higher_is_better",
	}
	if monthlyTarget > 0 {
		sj["target"] = monthlyTarget
	}
	return marshal(sj)
}

// DebtReductionJSON returns JSON for an outstanding balance tracked as one
// accumulator per month. Targets are set per period on first contribution.
func DebtReductionJSON(id, name, unit string) string {
	return marshal(map[string]interface{}{
		"id":          id,
		"name":        name,
		"kind":        "amount",
		"unit":        unit,
		"strategy":    "merge",
		"granularity": "month",
		"direction":   "lower_is_better",
	})
}

// DistrictOperationsJSON returns JSON for a headcount snapshot that allows one
// entry per district per month.
func DistrictOperationsJSON(id, name string) string {
	return marshal(map[string]interface{}{
		"id":          id,
		"name":        name,
		"kind":        "count",
		"unit":        "people",
		"strategy":    "none",
		"granularity": "month",
		"unique":      true,
		"direction":   "higher_is_better",
	})
}

// WeeklyCoverageJSON returns JSON for a percentage merged per ISO week and
// dimension.
func WeeklyCoverageJSON(id, name string) string {
	return marshal(map[string]interface{}{
		"id":          id,
		"name":        name,
		"kind":        "percentage",
		"unit":        "%",
		"strategy":    "merge",
		"granularity": "iso_week",
		"direction":   "higher_is_better",
	})
}

// All returns every preset keyed by series ID, as seeded by the demo scenarios.
func All() map[string]string {
	return map[string]string{
		"collections": MonthlyCollectionsJSON("collections", "Monthly collections", "USD", 125000),
		"debt":        DebtReductionJSON("debt", "Outstanding debt", "USD"),
		"operations":  DistrictOperationsJSON("operations", "District operations"),
		"coverage":    WeeklyCoverageJSON("coverage", "Weekly coverage"),
	}
}

func marshal(v map[string]interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
