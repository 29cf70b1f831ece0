package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rollup-engine/log"
	"github.com/warp/rollup-engine/rollup"
	"github.com/warp/rollup-engine/rollup/store"
)

func newTestScheduler() (*ReconciliationScheduler, *store.TxMemory) {
	st := store.NewTxMemory()
	logger := log.New(log.Config{Level: slog.LevelError, Output: io.Discard})
	rs := NewReconciliationScheduler(rollup.NewEngine(st), st, logger)
	rs.Now = func() time.Time { return time.Date(2025, 3, 1, 2, 0, 0, 0, time.UTC) }
	return rs, st
}

func uniqueHeadcount() rollup.Series {
	return rollup.Series{
		ID:          "operations",
		Kind:        rollup.KindCount,
		Strategy:    rollup.StrategyNone,
		Granularity: rollup.GranularityMonth,
		Unique:      true,
		Direction:   rollup.DirectionHigherIsBetter,
	}
}

func TestScheduler_ReconcileSeriesRecordsDuplicates(t *testing.T) {
	// GIVEN: two entries sharing a unique key, written without the guard
	rs, st := newTestScheduler()
	ctx := context.Background()
	series := uniqueHeadcount()
	require.NoError(t, st.SaveSeries(ctx, series))
	for i := 0; i < 2; i++ {
		_, err := st.CreateEntry(ctx, rollup.Entry{
			SeriesID:  series.ID,
			Date:      rollup.NewDate(2025, 1, 31),
			Period:    "2025-01",
			Dimension: "north",
			Value:     decimal.NewFromInt(40),
		})
		require.NoError(t, err)
	}

	// WHEN
	run, report, err := rs.ReconcileSeries(ctx, series)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, rollup.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Duplicates)
	require.Len(t, report.Duplicates, 1)
	assert.Len(t, report.Duplicates[0].EntryIDs, 2)

	runs, err := st.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	require.NotNil(t, runs[0].CompletedAt)
}

// failingPeriods makes ListPeriods fail so Reconcile cannot start.
type failingPeriods struct {
	*store.TxMemory
}

func (f failingPeriods) ListPeriods(context.Context, rollup.SeriesID) ([]rollup.PeriodKey, error) {
	return nil, errors.New("database is locked")
}

func TestScheduler_FailedRunIsRecorded(t *testing.T) {
	st := failingPeriods{store.NewTxMemory()}
	logger := log.New(log.Config{Level: slog.LevelError, Output: io.Discard})
	rs := NewReconciliationScheduler(rollup.NewEngine(st), st, logger)
	ctx := context.Background()
	require.NoError(t, st.SaveSeries(ctx, uniqueHeadcount()))

	runs := rs.RunNow(ctx)

	require.Len(t, runs, 1)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Contains(t, runs[0].Error, "database is locked")

	failed, err := st.ListRuns(ctx, rollup.RunFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	rs, st := newTestScheduler()
	ctx := context.Background()
	require.NoError(t, st.SaveSeries(ctx, uniqueHeadcount()))
	rs.CheckInterval = time.Hour

	rs.Start()
	require.Eventually(t, func() bool {
		runs, err := st.ListRuns(ctx, rollup.RunCompleted)
		return err == nil && len(runs) == 1
	}, time.Second, 10*time.Millisecond)
	rs.Stop()

	// Stop is idempotent
	assert.NotPanics(t, rs.Stop)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	rs, st := newTestScheduler()
	require.NoError(t, st.SaveSeries(context.Background(), uniqueHeadcount()))
	rs.Enabled = false

	rs.Start()
	rs.Stop()

	runs, err := st.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Equal(t, time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC), rs.GetNextRunTime())
}
