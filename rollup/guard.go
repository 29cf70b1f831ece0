package rollup

import "context"

// =============================================================================
// UNIQUENESS GUARD - At most one entry per (period, dimension)
// =============================================================================

// CheckCreate returns a *ConflictError if the series already holds an entry
// for (period, dimension), nil otherwise.
//
// The check alone is not atomic against concurrent writers. Stores close the
// gap by enforcing Entry.UniqueKey at write time (ErrDuplicateKey).
func CheckCreate(ctx context.Context, store EntryStore, seriesID SeriesID, period PeriodKey, dimension string) error {
	return checkUnique(ctx, store, seriesID, period, dimension, "")
}

// checkUnique is CheckCreate ignoring the entry being edited.
func checkUnique(ctx context.Context, store EntryStore, seriesID SeriesID, period PeriodKey, dimension string, self EntryID) error {
	dim := dimension
	existing, err := store.QueryEntries(ctx, EntryQuery{
		SeriesID:  seriesID,
		Period:    period,
		Dimension: &dim,
	})
	if err != nil {
		return storeErr("check uniqueness", err)
	}
	for _, e := range existing {
		if e.ID == self {
			continue
		}
		return &ConflictError{
			SeriesID:   seriesID,
			Period:     period,
			Dimension:  dimension,
			ExistingID: e.ID,
		}
	}
	return nil
}
