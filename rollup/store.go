/*
store.go - Persistence interfaces for entries, aggregates and series

PURPOSE:
  Defines the boundary between the rollup engine and the document store.
  The engine only needs point lookup, query by field, create, delete and an
  atomic multi-write batch.

KEY INTERFACES:
  EntryStore:     Entry persistence with atomic versioned batches
  AggregateStore: Merge-series accumulators with versioned writes
  Incrementer:    Optional atomic increment for merge series
  TxStore:        Optional transaction wrapper for read-then-write sequences
  SeriesStore:    Series declarations
  RunStore:       History of reconcile passes

VERSIONING:
  Every stored entry and aggregate carries a Version. Writes carry the
  version they read; a mismatch fails the whole write with
  ErrConcurrentModification and nothing is applied. A successful write
  increments the version by exactly one.

UNIQUE KEYS:
  Entry.UniqueKey, when non-empty, must be unique per series. Stores reject
  a violating create or patch with ErrDuplicateKey.

IMPLEMENTATIONS:
  - rollup/store/memory.go: In-memory for tests and the demo backend
  - store/sqlite/sqlite.go: SQLite with embedded migrations
*/
package rollup

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENTRY STORE
// =============================================================================

// EntryQuery filters entries by field. Zero fields do not filter.
type EntryQuery struct {
	SeriesID  SeriesID
	Period    PeriodKey
	Dimension *string
	UniqueKey string
}

type EntryStore interface {
	// GetEntry returns ErrEntryNotFound if the id does not exist.
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// QueryEntries returns matching entries ordered by Date, then Seq.
	QueryEntries(ctx context.Context, q EntryQuery) ([]Entry, error)

	// CreateEntry assigns ID, Seq, Version and timestamps and returns the
	// stored entry.
	CreateEntry(ctx context.Context, e Entry) (Entry, error)

	// BatchWrite applies all patches atomically: either all succeed or none
	// are visible.
	BatchWrite(ctx context.Context, patches []EntryPatch) error

	// DeleteEntry returns ErrEntryNotFound if the id does not exist.
	DeleteEntry(ctx context.Context, id EntryID) error

	// ListPeriods returns the distinct periods holding entries of a series.
	ListPeriods(ctx context.Context, seriesID SeriesID) ([]PeriodKey, error)
}

// =============================================================================
// AGGREGATE STORE
// =============================================================================

type AggregateStore interface {
	// GetAggregate returns found=false if no record exists.
	GetAggregate(ctx context.Context, key AggregateKey) (Aggregate, bool, error)

	// PutAggregate writes agg if the stored version equals agg.Version
	// (0 means "must not exist yet") and returns the stored record.
	PutAggregate(ctx context.Context, agg Aggregate) (Aggregate, error)

	// ListAggregates returns the aggregates of a series. An empty period
	// lists every period.
	ListAggregates(ctx context.Context, seriesID SeriesID, period PeriodKey) ([]Aggregate, error)
}

// Incrementer is implemented by stores that can add to an accumulator
// atomically. If no record exists it is created with target, or
// ErrAggregateNotFound is returned when target is nil.
type Incrementer interface {
	IncrementAggregate(ctx context.Context, key AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (Aggregate, error)
}

// Store is everything the engine persists through.
type Store interface {
	EntryStore
	AggregateStore
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// SERIES STORE
// =============================================================================

type SeriesStore interface {
	SaveSeries(ctx context.Context, s Series) error
	// GetSeries returns ErrSeriesNotFound if the id does not exist.
	GetSeries(ctx context.Context, id SeriesID) (Series, error)
	ListSeries(ctx context.Context) ([]Series, error)
}

// =============================================================================
// RUN STORE
// =============================================================================

type RunStore interface {
	// SaveRun inserts or replaces a run by ID.
	SaveRun(ctx context.Context, run ReconcileRun) error
	// ListRuns returns runs newest first. An empty status lists all.
	ListRuns(ctx context.Context, status RunStatus) ([]ReconcileRun, error)
}
