package rollup

import "github.com/shopspring/decimal"

// =============================================================================
// GOAL EVALUATOR - Read-only comparison of a rollup against its target
// =============================================================================

type GoalStatus string

const (
	GoalNoData  GoalStatus = "no_data"
	GoalPending GoalStatus = "pending"
	GoalMet     GoalStatus = "met"
	GoalNotMet  GoalStatus = "not_met"
)

// Observation is what the evaluator needs from an aggregate or a period of
// entries.
type Observation struct {
	HasData bool
	Target  *decimal.Decimal
	Value   *decimal.Decimal // nil when nothing has been recorded yet
}

// Classify compares an observation with its target. The comparison
// direction is a property of the series.
func Classify(obs Observation, dir Direction) GoalStatus {
	if !obs.HasData || obs.Target == nil {
		return GoalNoData
	}
	if obs.Value == nil {
		return GoalPending
	}
	switch dir {
	case DirectionLowerIsBetter:
		if obs.Value.LessThanOrEqual(*obs.Target) {
			return GoalMet
		}
	default:
		if obs.Value.GreaterThanOrEqual(*obs.Target) {
			return GoalMet
		}
	}
	return GoalNotMet
}

// ObserveAggregate builds the observation of a merge-series aggregate.
// An aggregate created by SetTarget with no contribution yet is pending.
func ObserveAggregate(agg Aggregate, found bool) Observation {
	if !found {
		return Observation{}
	}
	target := agg.Target
	obs := Observation{HasData: true, Target: &target}
	if agg.Contributions > 0 {
		v := agg.Accumulated
		obs.Value = &v
	}
	return obs
}

// ObservePeriod builds the observation of a period of entries. The value is
// the sum of entry values, which equals the last running total of a fresh
// prefix_sum period and stays correct while a period is stale.
func ObservePeriod(series Series, entries []Entry) Observation {
	if len(entries) == 0 {
		return Observation{}
	}
	v := decimal.Zero
	for _, e := range entries {
		v = v.Add(e.Value)
	}
	return Observation{HasData: true, Target: series.Target, Value: &v}
}
