package rollup_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rollup-engine/rollup"
	"github.com/warp/rollup-engine/rollup/store"
)

func TestReconcile_RepairsStalePeriods(t *testing.T) {
	// GIVEN: a January rollup failed after its entry committed
	st := &flakyStore{Memory: store.NewMemory(), failures: 1, err: errors.New("store unavailable")}
	engine := rollup.NewEngine(st)
	s := collections()
	_, err := engine.CreateEntry(context.Background(), s, rollup.EntryInput{Date: jan(5), Value: dec("100")})
	require.ErrorIs(t, err, rollup.ErrStaleRollup)
	mustCreate(t, engine, s, rollup.NewDate(2025, 2, 1), "10")

	// WHEN
	report, err := engine.Reconcile(context.Background(), s)
	require.NoError(t, err)

	// THEN: only the stale period is rewritten
	assert.Equal(t, 2, report.Periods)
	assert.Equal(t, []rollup.PeriodKey{"2025-01"}, report.Repaired)
	assert.Equal(t, []string{"2025-01-05=100"}, totals(t, engine, s, "2025-01"))

	// AND: a second pass finds nothing to do
	report, err = engine.Reconcile(context.Background(), s)
	require.NoError(t, err)
	assert.Empty(t, report.Repaired)
}

func TestReconcile_ReportsDuplicates(t *testing.T) {
	// GIVEN: two entries for the same (period, dimension) written around the guard
	st := store.NewTxMemory()
	s := headcount()
	var ids []rollup.EntryID
	for _, day := range []int{3, 9} {
		e, err := st.CreateEntry(context.Background(), rollup.Entry{
			SeriesID:  s.ID,
			Date:      jan(day),
			Period:    "2025-01",
			Dimension: "north",
			Value:     dec("4"),
		})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	engine := rollup.NewEngine(st)

	// WHEN
	report, err := engine.Reconcile(context.Background(), s)
	require.NoError(t, err)

	// THEN
	require.Len(t, report.Duplicates, 1)
	assert.Equal(t, "north", report.Duplicates[0].Dimension)
	assert.Equal(t, ids, report.Duplicates[0].EntryIDs)
	assert.Empty(t, report.Repaired, "none series carry no running totals")
}

func TestReconcile_MergeSeriesIsNoop(t *testing.T) {
	engine, _ := newTestEngine()
	contribute(t, engine, debtReduction(), "1", strPtr("1"))

	report, err := engine.Reconcile(context.Background(), debtReduction())
	require.NoError(t, err)
	assert.Zero(t, report.Periods)
}
