package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rollup-engine/rollup"
	"github.com/warp/rollup-engine/rollup/store"
)

func entry(day int, value int64) rollup.Entry {
	return rollup.Entry{
		SeriesID: "s1",
		Date:     rollup.NewDate(2025, time.January, day),
		Period:   "2025-01",
		Value:    decimal.NewFromInt(value),
	}
}

func TestMemory_CreateAssignsIdentity(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	a, err := m.CreateEntry(ctx, entry(5, 1))
	require.NoError(t, err)
	b, err := m.CreateEntry(ctx, entry(5, 2))
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Less(t, a.Seq, b.Seq)
	assert.Equal(t, int64(1), a.Version)
}

func TestMemory_QueryOrdersByDateThenSeq(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	late, _ := m.CreateEntry(ctx, entry(20, 1))
	first, _ := m.CreateEntry(ctx, entry(3, 1))
	second, _ := m.CreateEntry(ctx, entry(3, 1))

	got, err := m.QueryEntries(ctx, rollup.EntryQuery{SeriesID: "s1", Period: "2025-01"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []rollup.EntryID{first.ID, second.ID, late.ID}, []rollup.EntryID{got[0].ID, got[1].ID, got[2].ID})
}

func TestMemory_BatchWriteIsAllOrNothing(t *testing.T) {
	// GIVEN: two entries, one of which changed since it was read
	m := store.NewMemory()
	ctx := context.Background()
	a, _ := m.CreateEntry(ctx, entry(1, 1))
	b, _ := m.CreateEntry(ctx, entry(2, 1))
	total := decimal.NewFromInt(9)

	// WHEN: a batch carries a stale version for b
	err := m.BatchWrite(ctx, []rollup.EntryPatch{
		{ID: a.ID, ExpectedVersion: a.Version, RunningTotal: &total},
		{ID: b.ID, ExpectedVersion: b.Version + 1, RunningTotal: &total},
	})

	// THEN: nothing is applied
	assert.True(t, errors.Is(err, rollup.ErrConcurrentModification))
	got, _ := m.GetEntry(ctx, a.ID)
	assert.True(t, got.RunningTotal.IsZero())
	assert.Equal(t, a.Version, got.Version)
}

func TestMemory_BatchWriteBumpsVersion(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	a, _ := m.CreateEntry(ctx, entry(1, 1))
	total := decimal.NewFromInt(1)

	require.NoError(t, m.BatchWrite(ctx, []rollup.EntryPatch{{ID: a.ID, ExpectedVersion: a.Version, RunningTotal: &total}}))

	got, _ := m.GetEntry(ctx, a.ID)
	assert.Equal(t, a.Version+1, got.Version)
	assert.Equal(t, "1", got.RunningTotal.String())
}

func TestMemory_UniqueKeyEnforced(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	withKey := entry(1, 1)
	withKey.UniqueKey = "2025-01\x1fnorth"

	_, err := m.CreateEntry(ctx, withKey)
	require.NoError(t, err)
	_, err = m.CreateEntry(ctx, withKey)
	assert.True(t, errors.Is(err, rollup.ErrDuplicateKey))

	// Other series may reuse the key
	withKey.SeriesID = "s2"
	_, err = m.CreateEntry(ctx, withKey)
	assert.NoError(t, err)
}

func TestMemory_DeleteReleasesUniqueKey(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	withKey := entry(1, 1)
	withKey.UniqueKey = "k"
	a, _ := m.CreateEntry(ctx, withKey)

	require.NoError(t, m.DeleteEntry(ctx, a.ID))
	_, err := m.CreateEntry(ctx, withKey)
	assert.NoError(t, err)

	assert.True(t, errors.Is(m.DeleteEntry(ctx, a.ID), rollup.ErrEntryNotFound))
}

func TestMemory_PutAggregateVersioning(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	key := rollup.AggregateKey{SeriesID: "s1", Period: "2025-01"}

	created, err := m.PutAggregate(ctx, rollup.Aggregate{Key: key, Target: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	// A second creator loses
	_, err = m.PutAggregate(ctx, rollup.Aggregate{Key: key})
	assert.True(t, errors.Is(err, rollup.ErrConcurrentModification))

	created.Accumulated = decimal.NewFromInt(3)
	updated, err := m.PutAggregate(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestMemory_IncrementAggregate(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	key := rollup.AggregateKey{SeriesID: "s1", Period: "2025-01"}

	_, err := m.IncrementAggregate(ctx, key, decimal.NewFromInt(1), nil)
	assert.True(t, errors.Is(err, rollup.ErrAggregateNotFound))

	target := decimal.NewFromInt(10)
	_, err = m.IncrementAggregate(ctx, key, decimal.NewFromInt(4), &target)
	require.NoError(t, err)
	agg, err := m.IncrementAggregate(ctx, key, decimal.NewFromInt(-1), nil)
	require.NoError(t, err)

	assert.Equal(t, "3", agg.Accumulated.String())
	assert.Equal(t, int64(2), agg.Contributions)
}

func TestMemory_ListPeriodsDistinctAndSorted(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	feb := entry(1, 1)
	feb.Period = "2025-02"
	_, _ = m.CreateEntry(ctx, feb)
	_, _ = m.CreateEntry(ctx, entry(1, 1))
	_, _ = m.CreateEntry(ctx, entry(2, 1))

	periods, err := m.ListPeriods(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []rollup.PeriodKey{"2025-01", "2025-02"}, periods)
}

func TestMemory_Series(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, err := m.GetSeries(ctx, "missing")
	assert.True(t, errors.Is(err, rollup.ErrSeriesNotFound))

	require.NoError(t, m.SaveSeries(ctx, rollup.Series{ID: "b"}))
	require.NoError(t, m.SaveSeries(ctx, rollup.Series{ID: "a"}))
	all, err := m.ListSeries(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, rollup.SeriesID("a"), all[0].ID)
}

func TestTxMemory_RollbackOnError(t *testing.T) {
	// GIVEN
	tm := store.NewTxMemory()
	ctx := context.Background()
	kept, _ := tm.CreateEntry(ctx, entry(1, 1))

	// WHEN: a transaction creates and deletes, then fails
	boom := errors.New("boom")
	err := tm.WithTx(ctx, func(s rollup.Store) error {
		if _, err := s.CreateEntry(ctx, entry(2, 1)); err != nil {
			return err
		}
		if err := s.DeleteEntry(ctx, kept.ID); err != nil {
			return err
		}
		return boom
	})

	// THEN: the store is as before
	assert.ErrorIs(t, err, boom)
	all, err := tm.QueryEntries(ctx, rollup.EntryQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, kept.ID, all[0].ID)
}

func TestTxMemory_CommitOnSuccess(t *testing.T) {
	tm := store.NewTxMemory()
	ctx := context.Background()

	err := tm.WithTx(ctx, func(s rollup.Store) error {
		_, err := s.CreateEntry(ctx, entry(2, 1))
		return err
	})
	require.NoError(t, err)

	all, _ := tm.QueryEntries(ctx, rollup.EntryQuery{})
	assert.Len(t, all, 1)
}

func TestMemory_RunsNewestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SaveRun(ctx, rollup.ReconcileRun{ID: "r1", Status: rollup.RunCompleted}))
	require.NoError(t, m.SaveRun(ctx, rollup.ReconcileRun{ID: "r2", Status: rollup.RunRunning}))
	require.NoError(t, m.SaveRun(ctx, rollup.ReconcileRun{ID: "r2", Status: rollup.RunFailed}))

	all, err := m.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].ID)

	failed, err := m.ListRuns(ctx, rollup.RunFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_, _ = m.CreateEntry(ctx, entry(1, 1))
	require.NoError(t, m.SaveSeries(ctx, rollup.Series{ID: "s1"}))

	require.NoError(t, m.Reset(ctx))

	all, _ := m.QueryEntries(ctx, rollup.EntryQuery{})
	assert.Empty(t, all)
	series, _ := m.ListSeries(ctx)
	assert.Empty(t, series)
}
