/*
prefixsum.go - Full-period running total recompute

INVARIANT:
  For every period P and every entry e in P,
    e.RunningTotal == sum of Value over entries of P ordered at or before e
  where entries are ordered by Date, then by Seq (creation order).

ALGORITHM:
  1. Query every entry of the series in the period
  2. Sort by (Date, Seq)
  3. Walk the list accumulating the running sum
  4. Write one atomic batch with a patch for every entry
  5. Empty period: nothing to write

  The recompute is always a full pass, never an incremental patch. This costs
  one write per entry of the period per mutation and makes the invariant
  hold no matter which rows were edited or in which order.

EXAMPLE:
  Period 2025-01: [05: 100, 10: 50]          -> totals [100, 150]
  Insert 07: 20:  [05: 100, 07: 20, 10: 50]  -> totals [100, 120, 170]
*/
package rollup

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// RecomputeResult describes one committed recompute.
type RecomputeResult struct {
	SeriesID SeriesID
	Period   PeriodKey

	// Entries holds the period as written: sorted, with RunningTotal and
	// Version reflecting the batch.
	Entries []Entry

	// Changed counts entries whose running total differed from the stored one.
	Changed int

	Total decimal.Decimal
}

// RecomputePeriod rebuilds every running total of a period and commits them
// in one batch. It performs a single pass with no retry; the batch fails with
// ErrConcurrentModification if any entry changed since it was read.
func RecomputePeriod(ctx context.Context, store EntryStore, seriesID SeriesID, period PeriodKey) (RecomputeResult, error) {
	result := RecomputeResult{SeriesID: seriesID, Period: period, Total: decimal.Zero}

	entries, err := store.QueryEntries(ctx, EntryQuery{SeriesID: seriesID, Period: period})
	if err != nil {
		return result, storeErr("query period", err)
	}
	if len(entries) == 0 {
		return result, nil
	}

	stored := make(map[EntryID]decimal.Decimal, len(entries))
	for _, e := range entries {
		stored[e.ID] = e.RunningTotal
	}

	result.Total = ApplyRunningTotals(entries)

	patches := make([]EntryPatch, len(entries))
	for i := range entries {
		total := entries[i].RunningTotal
		patches[i] = EntryPatch{
			ID:              entries[i].ID,
			ExpectedVersion: entries[i].Version,
			RunningTotal:    &total,
		}
		if !stored[entries[i].ID].Equal(total) {
			result.Changed++
		}
	}

	if err := store.BatchWrite(ctx, patches); err != nil {
		return result, storeErr("write running totals", err)
	}

	for i := range entries {
		entries[i].Version++
	}
	result.Entries = entries
	return result, nil
}

// ApplyRunningTotals sorts entries by (Date, Seq) in place, sets each
// RunningTotal and returns the period total.
func ApplyRunningTotals(entries []Entry) decimal.Decimal {
	SortEntries(entries)
	sum := decimal.Zero
	for i := range entries {
		sum = sum.Add(entries[i].Value)
		entries[i].RunningTotal = sum
	}
	return sum
}

// SortEntries orders entries by date, ties broken by creation order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Date.Equal(entries[j].Date) {
			return entries[i].Date.Before(entries[j].Date)
		}
		return entries[i].Seq < entries[j].Seq
	})
}

// runningTotalsStale reports whether stored totals disagree with the values.
func runningTotalsStale(entries []Entry) bool {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	SortEntries(sorted)
	sum := decimal.Zero
	for _, e := range sorted {
		sum = sum.Add(e.Value)
		if !e.RunningTotal.Equal(sum) {
			return true
		}
	}
	return false
}
