/*
Package rollup provides the derived-aggregate maintenance engine.

PURPOSE:
  Dashboard ledgers store dated numeric entries (collections, counts,
  coverage percentages). Some series carry derived values that must always
  agree with the entries they are computed from. This package keeps them
  consistent under create, update and delete, independent of the store.

KEY CONCEPTS IN THIS FILE (types.go):
  - Series: a declared ledger with a kind, a rollup strategy and a period granularity
  - Entry: one dated numeric contribution of a series
  - Aggregate: the per-(period, dimension) accumulator of a merge series
  - Observer / Publisher: hooks for metrics and change notifications

STRATEGIES:
  1. prefix_sum: every entry carries the running total of its period,
     recomputed in full on every mutation (see prefixsum.go)
  2. merge: one accumulator per (period, dimension), increased by each
     contribution (see merge.go)
  3. none: entries are stored as-is, only uniqueness applies

USAGE:
  engine := rollup.NewEngine(store.NewMemory())
  entry, err := engine.CreateEntry(ctx, series, rollup.EntryInput{
      Date:  rollup.NewDate(2025, time.January, 5),
      Value: decimal.NewFromInt(100),
  })

SEE ALSO:
  - period.go: period key derivation
  - engine.go: entry operations
  - store.go: persistence interfaces
*/
package rollup

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SeriesID string
type EntryID string

// =============================================================================
// SERIES - Declared ledger and its rollup behavior
// =============================================================================

// Kind is the closed set of value semantics a series can carry.
type Kind string

const (
	KindAmount     Kind = "amount"     // Signed currency amount
	KindCount      Kind = "count"      // Non-negative whole number
	KindPercentage Kind = "percentage" // 0 to 100 inclusive
)

// Strategy selects how derived values of a series are maintained.
type Strategy string

const (
	StrategyPrefixSum Strategy = "prefix_sum"
	StrategyMerge     Strategy = "merge"
	StrategyNone      Strategy = "none"
)

// Direction says which side of the target counts as meeting the goal.
type Direction string

const (
	DirectionHigherIsBetter Direction = "higher_is_better" // collections: met when value >= target
	DirectionLowerIsBetter  Direction = "lower_is_better"  // debt reduction: met when value <= target
)

// Series is the declaration every entry and aggregate belongs to.
type Series struct {
	ID          SeriesID
	Name        string
	Kind        Kind
	Unit        string
	Strategy    Strategy
	Granularity Granularity

	// Unique rejects a second entry with the same (period, dimension).
	Unique bool

	Direction Direction

	// Target is the per-period goal for prefix_sum series. Merge series keep
	// their target on each Aggregate instead.
	Target *decimal.Decimal
}

// Validate checks the series declaration itself.
func (s Series) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "id", Reason: "required"}
	}
	switch s.Kind {
	case KindAmount, KindCount, KindPercentage:
	default:
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(s.Kind)}
	}
	switch s.Strategy {
	case StrategyPrefixSum, StrategyMerge, StrategyNone:
	default:
		return &ValidationError{Field: "strategy", Reason: "unknown strategy " + string(s.Strategy)}
	}
	switch s.Granularity {
	case GranularityMonth, GranularityISOWeek, GranularityYear:
	default:
		return &ValidationError{Field: "granularity", Reason: "unknown granularity " + string(s.Granularity)}
	}
	switch s.Direction {
	case DirectionHigherIsBetter, DirectionLowerIsBetter:
	default:
		return &ValidationError{Field: "direction", Reason: "unknown direction " + string(s.Direction)}
	}
	if s.Target != nil {
		if err := s.ValidateValue(*s.Target); err != nil {
			return withField(err, "target")
		}
	}
	return nil
}

// ValidateValue enforces the value rules of the series kind.
func (s Series) ValidateValue(v decimal.Decimal) error {
	switch s.Kind {
	case KindCount:
		if v.IsNegative() {
			return &ValidationError{Field: "value", Reason: "count must not be negative"}
		}
		if !v.Equal(v.Truncate(0)) {
			return &ValidationError{Field: "value", Reason: "count must be a whole number"}
		}
	case KindPercentage:
		if v.IsNegative() || v.GreaterThan(hundred) {
			return &ValidationError{Field: "value", Reason: "percentage must be between 0 and 100"}
		}
	}
	return nil
}

// ValidateDelta is ValidateValue for merge contributions: deltas may be
// negative for every kind, only the whole-number rule of counts applies.
func (s Series) ValidateDelta(v decimal.Decimal) error {
	if s.Kind == KindCount && !v.Equal(v.Truncate(0)) {
		return &ValidationError{Field: "delta", Reason: "count must be a whole number"}
	}
	return nil
}

var hundred = decimal.NewFromInt(100)

// =============================================================================
// ENTRY - One dated contribution
// =============================================================================

type Entry struct {
	ID        EntryID
	SeriesID  SeriesID
	Date      Date
	Period    PeriodKey
	Dimension string

	// UniqueKey is set only for series that declare uniqueness. Stores
	// enforce it at write time.
	UniqueKey string

	Value decimal.Decimal

	// RunningTotal is the prefix sum of the period up to and including this
	// entry. Zero for series that are not prefix_sum.
	RunningTotal decimal.Decimal

	// Seq is the store-assigned creation order, used as tie-breaker for
	// entries sharing a date.
	Seq int64

	// Version increments on every write. Batch writes carry the version they
	// read so concurrent recomputes are detected.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryInput is what a caller supplies to create an entry.
type EntryInput struct {
	Date      Date
	Dimension string
	Value     decimal.Decimal
}

// EntryUpdate carries the fields an edit changes. Nil fields are unchanged.
type EntryUpdate struct {
	Date      *Date
	Dimension *string
	Value     *decimal.Decimal
}

// EntryPatch is one element of an atomic batch write.
type EntryPatch struct {
	ID              EntryID
	ExpectedVersion int64

	Date         *Date
	Period       *PeriodKey
	Dimension    *string
	UniqueKey    *string
	Value        *decimal.Decimal
	RunningTotal *decimal.Decimal
}

// =============================================================================
// AGGREGATE - Merge series accumulator
// =============================================================================

type AggregateKey struct {
	SeriesID  SeriesID
	Period    PeriodKey
	Dimension string
}

type Aggregate struct {
	Key           AggregateKey
	Target        decimal.Decimal
	Accumulated   decimal.Decimal
	Contributions int64
	Version       int64
	UpdatedAt     time.Time
}

// =============================================================================
// HOOKS - Metrics and change notifications
// =============================================================================

// Observer receives measurements of engine activity.
type Observer interface {
	ObserveRecompute(seriesID SeriesID, entries int, d time.Duration)
	ObserveMerge(seriesID SeriesID)
	ObserveConflict(seriesID SeriesID)
	ObserveRetry(seriesID SeriesID, op string)
}

// ChangeKind names what a ChangeEvent reports.
type ChangeKind string

const (
	ChangePeriodRecomputed ChangeKind = "period_recomputed"
	ChangeAggregateMerged  ChangeKind = "aggregate_merged"
	ChangeTargetSet        ChangeKind = "target_set"
)

// ChangeEvent is emitted after a rollup has been committed.
type ChangeEvent struct {
	Kind      ChangeKind
	SeriesID  SeriesID
	Period    PeriodKey
	Dimension string
	Total     decimal.Decimal // Period total or new accumulated value
	Entries   int
	At        time.Time
}

// Publisher forwards committed changes, e.g. to invalidate dashboard caches.
// Implementations own their delivery failures; the rollup is already
// committed when Publish is called.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent)
}

type nopObserver struct{}

func (nopObserver) ObserveRecompute(SeriesID, int, time.Duration) {}
func (nopObserver) ObserveMerge(SeriesID)                         {}
func (nopObserver) ObserveConflict(SeriesID)                      {}
func (nopObserver) ObserveRetry(SeriesID, string)                 {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ChangeEvent) {}
