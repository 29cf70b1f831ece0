package rollup

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// RECONCILIATION - Repair stale periods, report duplicates
// =============================================================================

// DuplicateGroup is a set of entries sharing the (period, dimension) of a
// unique series. Reconcile reports them; it never deletes entries.
type DuplicateGroup struct {
	Period    PeriodKey
	Dimension string
	EntryIDs  []EntryID
}

type ReconcileReport struct {
	SeriesID SeriesID
	Periods  int

	// Repaired lists the periods whose running totals disagreed with their
	// entries and were recomputed.
	Repaired []PeriodKey

	Duplicates []DuplicateGroup
}

// RunStatus is the lifecycle state of a recorded reconcile pass.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ReconcileRun records one scheduled or manual Reconcile pass of a series.
type ReconcileRun struct {
	ID          string
	SeriesID    SeriesID
	Status      RunStatus
	Periods     int
	Repaired    int
	Duplicates  int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Complete fills the run from a finished Reconcile call.
func (r *ReconcileRun) Complete(report ReconcileReport, err error, at time.Time) {
	r.Periods = report.Periods
	r.Repaired = len(report.Repaired)
	r.Duplicates = len(report.Duplicates)
	r.CompletedAt = &at
	if err != nil {
		r.Status = RunFailed
		r.Error = err.Error()
		return
	}
	r.Status = RunCompleted
}

// Reconcile walks every period of a series. Stale prefix sums (left behind
// by a failed rollup batch) are recomputed and duplicate unique keys (left
// behind by a store that cannot enforce them) are reported.
func (e *Engine) Reconcile(ctx context.Context, series Series) (ReconcileReport, error) {
	report := ReconcileReport{SeriesID: series.ID}
	if series.Strategy == StrategyMerge {
		return report, nil
	}

	periods, err := e.Store.ListPeriods(ctx, series.ID)
	if err != nil {
		return report, storeErr("list periods", err)
	}
	report.Periods = len(periods)

	limit := e.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	for _, period := range periods {
		period := period
		g.Go(func() error {
			entries, err := e.Store.QueryEntries(gctx, EntryQuery{SeriesID: series.ID, Period: period})
			if err != nil {
				return storeErr("query period", err)
			}

			var dups []DuplicateGroup
			if series.Unique {
				dups = findDuplicates(period, entries)
			}

			repaired := false
			if series.Strategy == StrategyPrefixSum && runningTotalsStale(entries) {
				if _, err := e.recompute(gctx, series.ID, period); err != nil {
					return err
				}
				repaired = true
			}

			mu.Lock()
			defer mu.Unlock()
			report.Duplicates = append(report.Duplicates, dups...)
			if repaired {
				report.Repaired = append(report.Repaired, period)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Slice(report.Repaired, func(i, j int) bool { return report.Repaired[i] < report.Repaired[j] })
	sort.Slice(report.Duplicates, func(i, j int) bool {
		a, b := report.Duplicates[i], report.Duplicates[j]
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.Dimension < b.Dimension
	})
	return report, nil
}

func findDuplicates(period PeriodKey, entries []Entry) []DuplicateGroup {
	byDimension := make(map[string][]EntryID)
	var order []string
	for _, e := range entries {
		if _, seen := byDimension[e.Dimension]; !seen {
			order = append(order, e.Dimension)
		}
		byDimension[e.Dimension] = append(byDimension[e.Dimension], e.ID)
	}

	var groups []DuplicateGroup
	for _, dim := range order {
		if ids := byDimension[dim]; len(ids) > 1 {
			groups = append(groups, DuplicateGroup{Period: period, Dimension: dim, EntryIDs: ids})
		}
	}
	return groups
}
