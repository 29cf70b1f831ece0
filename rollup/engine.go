/*
engine.go - Entry operations and rollup orchestration

PURPOSE:
  The Engine is what callers use. It validates input, runs the uniqueness
  guard, writes the entry, then runs the rollup strategy the series
  declares. It holds only its injected collaborators; every call is a pure
  function of (store, identifiers, input).

REQUEST FLOW:
  1. Validate input (ValidationError, no writes)
  2. Uniqueness guard for unique series (ConflictError, no writes)
  3. Entry write (StoreError aborts before any rollup)
  4. Recompute the affected period(s) of prefix_sum series
  5. Failure in 4 returns StaleRollupError: the entry is committed, the
     running totals of that period are stale until the next recompute

PERIOD CHANGES:
  An edit that moves an entry to another period is a create in the new
  period plus a delete in the old one (one transaction when the store
  supports it), followed by a recompute of both periods. The moved entry
  gets a new ID.

CONCURRENCY:
  Recomputes and merges run inside TxStore.WithTx when available and always
  write with the versions they read. A lost race (ErrConcurrentModification)
  is retried up to MaxRetries times. Other store errors are never retried.
*/
package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultMaxRetries  = 3
	DefaultParallelism = 4
)

// Engine maintains derived aggregates of series persisted in Store.
type Engine struct {
	Store     Store
	Observer  Observer
	Publisher Publisher

	// MaxRetries bounds re-runs of a recompute or merge that lost an
	// optimistic race.
	MaxRetries int

	// Parallelism bounds concurrent period checks in Reconcile.
	Parallelism int

	Now func() time.Time
}

func NewEngine(store Store) *Engine {
	return &Engine{
		Store:       store,
		MaxRetries:  DefaultMaxRetries,
		Parallelism: DefaultParallelism,
	}
}

// =============================================================================
// ENTRY OPERATIONS
// =============================================================================

// CreateEntry validates, guards and stores a new entry, then recomputes its
// period for prefix_sum series. The returned entry carries its running total.
func (e *Engine) CreateEntry(ctx context.Context, series Series, in EntryInput) (Entry, error) {
	if err := requireEntries(series); err != nil {
		return Entry{}, err
	}
	if err := validateInput(series, in.Date, in.Dimension, in.Value); err != nil {
		return Entry{}, err
	}

	period := PeriodOf(in.Date, series.Granularity)
	entry := Entry{
		SeriesID:  series.ID,
		Date:      in.Date,
		Period:    period,
		Dimension: in.Dimension,
		Value:     in.Value,
	}
	if series.Unique {
		if err := CheckCreate(ctx, e.Store, series.ID, period, in.Dimension); err != nil {
			return Entry{}, e.conflict(series.ID, err)
		}
		entry.UniqueKey = UniquenessKey(period, in.Dimension)
	}

	created, err := e.Store.CreateEntry(ctx, entry)
	if err != nil {
		return Entry{}, e.writeErr(series, period, in.Dimension, "create entry", err)
	}
	return e.afterWrite(ctx, series, created)
}

// UpdateEntry applies an edit. Edits within the period are a single patch
// followed by a recompute; edits that change the period are moves.
func (e *Engine) UpdateEntry(ctx context.Context, series Series, id EntryID, upd EntryUpdate) (Entry, error) {
	if err := requireEntries(series); err != nil {
		return Entry{}, err
	}
	current, err := e.entryOf(ctx, series, id)
	if err != nil {
		return Entry{}, err
	}

	next := current
	if upd.Date != nil {
		next.Date = *upd.Date
	}
	if upd.Dimension != nil {
		next.Dimension = *upd.Dimension
	}
	if upd.Value != nil {
		next.Value = *upd.Value
	}
	if err := validateInput(series, next.Date, next.Dimension, next.Value); err != nil {
		return Entry{}, err
	}
	next.Period = PeriodOf(next.Date, series.Granularity)
	if series.Unique {
		next.UniqueKey = UniquenessKey(next.Period, next.Dimension)
	}

	if next.Period != current.Period {
		return e.moveEntry(ctx, series, current, next)
	}

	if series.Unique && next.Dimension != current.Dimension {
		if err := checkUnique(ctx, e.Store, series.ID, next.Period, next.Dimension, current.ID); err != nil {
			return Entry{}, e.conflict(series.ID, err)
		}
	}

	patch := EntryPatch{
		ID:              current.ID,
		ExpectedVersion: current.Version,
		Date:            &next.Date,
		Dimension:       &next.Dimension,
		UniqueKey:       &next.UniqueKey,
		Value:           &next.Value,
	}
	if err := e.Store.BatchWrite(ctx, []EntryPatch{patch}); err != nil {
		return Entry{}, e.writeErr(series, next.Period, next.Dimension, "update entry", err)
	}
	next.Version = current.Version + 1
	next.UpdatedAt = e.now()
	return e.afterWrite(ctx, series, next)
}

func (e *Engine) moveEntry(ctx context.Context, series Series, current, next Entry) (Entry, error) {
	if series.Unique {
		if err := CheckCreate(ctx, e.Store, series.ID, next.Period, next.Dimension); err != nil {
			return Entry{}, e.conflict(series.ID, err)
		}
	}

	moved := Entry{
		SeriesID:  series.ID,
		Date:      next.Date,
		Period:    next.Period,
		Dimension: next.Dimension,
		UniqueKey: next.UniqueKey,
		Value:     next.Value,
	}
	var created Entry
	err := e.inTx(ctx, func(s Store) error {
		c, err := s.CreateEntry(ctx, moved)
		if err != nil {
			return err
		}
		if err := s.DeleteEntry(ctx, current.ID); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return Entry{}, e.writeErr(series, next.Period, next.Dimension, "move entry", err)
	}

	var errs []error
	if series.Strategy == StrategyPrefixSum {
		if _, err := e.recompute(ctx, series.ID, current.Period); err != nil {
			errs = append(errs, &StaleRollupError{SeriesID: series.ID, Period: current.Period, Err: err})
		}
	}
	result, err := e.afterWrite(ctx, series, created)
	if err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

// DeleteEntry removes an entry and recomputes what remains of its period.
func (e *Engine) DeleteEntry(ctx context.Context, series Series, id EntryID) error {
	if err := requireEntries(series); err != nil {
		return err
	}
	current, err := e.entryOf(ctx, series, id)
	if err != nil {
		return err
	}
	if err := e.Store.DeleteEntry(ctx, id); err != nil {
		return storeErr("delete entry", err)
	}
	if series.Strategy != StrategyPrefixSum {
		return nil
	}
	if _, err := e.recompute(ctx, series.ID, current.Period); err != nil {
		return &StaleRollupError{SeriesID: series.ID, Period: current.Period, Err: err}
	}
	return nil
}

// GetEntry returns an entry of the series.
func (e *Engine) GetEntry(ctx context.Context, series Series, id EntryID) (Entry, error) {
	return e.entryOf(ctx, series, id)
}

// ListEntries returns the entries of a period ordered by date. An empty
// period lists the whole series.
func (e *Engine) ListEntries(ctx context.Context, series Series, period PeriodKey) ([]Entry, error) {
	entries, err := e.Store.QueryEntries(ctx, EntryQuery{SeriesID: series.ID, Period: period})
	if err != nil {
		return nil, storeErr("list entries", err)
	}
	return entries, nil
}

// RecomputePeriod forces a full recompute of one period.
func (e *Engine) RecomputePeriod(ctx context.Context, series Series, period PeriodKey) (RecomputeResult, error) {
	if series.Strategy != StrategyPrefixSum {
		return RecomputeResult{}, &ValidationError{Field: "series", Reason: "only prefix_sum series carry running totals"}
	}
	if _, err := ParsePeriod(period, series.Granularity); err != nil {
		return RecomputeResult{}, err
	}
	return e.recompute(ctx, series.ID, period)
}

// =============================================================================
// MERGE OPERATIONS
// =============================================================================

// ContributionInput identifies the period either by a date or by its key.
type ContributionInput struct {
	Date      *Date
	Period    PeriodKey
	Dimension string
	Delta     decimal.Decimal
	Target    *decimal.Decimal
}

// MergeContribution adds one contribution to the aggregate of its period.
func (e *Engine) MergeContribution(ctx context.Context, series Series, in ContributionInput) (Aggregate, error) {
	if series.Strategy != StrategyMerge {
		return Aggregate{}, &ValidationError{Field: "series", Reason: "only merge series take contributions"}
	}
	period, err := resolvePeriod(series, in.Date, in.Period)
	if err != nil {
		return Aggregate{}, err
	}
	if !validDimension(in.Dimension) {
		return Aggregate{}, invalidDimension()
	}
	if err := series.ValidateDelta(in.Delta); err != nil {
		return Aggregate{}, err
	}
	if in.Target != nil {
		if err := series.ValidateValue(*in.Target); err != nil {
			return Aggregate{}, withField(err, "target")
		}
	}

	key := AggregateKey{SeriesID: series.ID, Period: period, Dimension: in.Dimension}
	var agg Aggregate
	err = e.withRetry(ctx, series.ID, "merge", func(s Store) error {
		a, err := MergeContribution(ctx, s, key, in.Delta, in.Target)
		agg = a
		return err
	})
	if err != nil {
		return Aggregate{}, err
	}

	e.observer().ObserveMerge(series.ID)
	e.publisher().Publish(ctx, ChangeEvent{
		Kind:      ChangeAggregateMerged,
		SeriesID:  series.ID,
		Period:    period,
		Dimension: in.Dimension,
		Total:     agg.Accumulated,
		At:        e.now(),
	})
	return agg, nil
}

// SetTarget sets the target of a merge-series period, creating the
// aggregate with nothing accumulated if needed.
func (e *Engine) SetTarget(ctx context.Context, series Series, period PeriodKey, dimension string, target decimal.Decimal) (Aggregate, error) {
	if series.Strategy != StrategyMerge {
		return Aggregate{}, &ValidationError{Field: "series", Reason: "only merge series keep per-period targets"}
	}
	if _, err := ParsePeriod(period, series.Granularity); err != nil {
		return Aggregate{}, err
	}
	if !validDimension(dimension) {
		return Aggregate{}, invalidDimension()
	}
	if err := series.ValidateValue(target); err != nil {
		return Aggregate{}, withField(err, "target")
	}

	key := AggregateKey{SeriesID: series.ID, Period: period, Dimension: dimension}
	var agg Aggregate
	err := e.withRetry(ctx, series.ID, "set_target", func(s Store) error {
		a, err := SetTarget(ctx, s, key, target)
		agg = a
		return err
	})
	if err != nil {
		return Aggregate{}, err
	}

	e.publisher().Publish(ctx, ChangeEvent{
		Kind:      ChangeTargetSet,
		SeriesID:  series.ID,
		Period:    period,
		Dimension: dimension,
		Total:     agg.Accumulated,
		At:        e.now(),
	})
	return agg, nil
}

// Aggregates lists the aggregates of a merge series. An empty period lists
// every period.
func (e *Engine) Aggregates(ctx context.Context, series Series, period PeriodKey) ([]Aggregate, error) {
	aggs, err := e.Store.ListAggregates(ctx, series.ID, period)
	if err != nil {
		return nil, storeErr("list aggregates", err)
	}
	return aggs, nil
}

// =============================================================================
// GOAL STATUS
// =============================================================================

type StatusReport struct {
	SeriesID  SeriesID
	Period    PeriodKey
	Dimension string
	Status    GoalStatus
	Target    *decimal.Decimal
	Value     *decimal.Decimal
}

// PeriodStatus classifies a period against its target. The dimension
// selects the aggregate of merge series and filters entries of none series;
// prefix_sum series are evaluated on the whole period.
func (e *Engine) PeriodStatus(ctx context.Context, series Series, period PeriodKey, dimension string) (StatusReport, error) {
	report := StatusReport{SeriesID: series.ID, Period: period, Dimension: dimension}
	if _, err := ParsePeriod(period, series.Granularity); err != nil {
		return report, err
	}

	var obs Observation
	switch series.Strategy {
	case StrategyMerge:
		agg, found, err := e.Store.GetAggregate(ctx, AggregateKey{SeriesID: series.ID, Period: period, Dimension: dimension})
		if err != nil {
			return report, storeErr("get aggregate", err)
		}
		obs = ObserveAggregate(agg, found)
	default:
		q := EntryQuery{SeriesID: series.ID, Period: period}
		if dimension != "" && series.Strategy == StrategyNone {
			q.Dimension = &dimension
		}
		entries, err := e.Store.QueryEntries(ctx, q)
		if err != nil {
			return report, storeErr("query period", err)
		}
		obs = ObservePeriod(series, entries)
	}

	report.Status = Classify(obs, series.Direction)
	report.Target = obs.Target
	report.Value = obs.Value
	return report, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

func (e *Engine) recompute(ctx context.Context, seriesID SeriesID, period PeriodKey) (RecomputeResult, error) {
	start := time.Now()
	var result RecomputeResult
	err := e.withRetry(ctx, seriesID, "recompute", func(s Store) error {
		r, err := RecomputePeriod(ctx, s, seriesID, period)
		result = r
		return err
	})
	if err != nil {
		return result, err
	}

	e.observer().ObserveRecompute(seriesID, len(result.Entries), time.Since(start))
	e.publisher().Publish(ctx, ChangeEvent{
		Kind:     ChangePeriodRecomputed,
		SeriesID: seriesID,
		Period:   period,
		Total:    result.Total,
		Entries:  len(result.Entries),
		At:       e.now(),
	})
	return result, nil
}

// afterWrite runs the rollup of a freshly written entry and returns the
// entry as the rollup left it.
func (e *Engine) afterWrite(ctx context.Context, series Series, entry Entry) (Entry, error) {
	if series.Strategy != StrategyPrefixSum {
		return entry, nil
	}
	result, err := e.recompute(ctx, series.ID, entry.Period)
	if err != nil {
		return entry, &StaleRollupError{SeriesID: series.ID, Period: entry.Period, Err: err}
	}
	for _, r := range result.Entries {
		if r.ID == entry.ID {
			return r, nil
		}
	}
	return entry, nil
}

func (e *Engine) withRetry(ctx context.Context, seriesID SeriesID, op string, fn func(Store) error) error {
	for attempt := 0; ; attempt++ {
		err := e.inTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= e.MaxRetries {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		e.observer().ObserveRetry(seriesID, op)
	}
}

func (e *Engine) inTx(ctx context.Context, fn func(Store) error) error {
	if tx, ok := e.Store.(TxStore); ok {
		return tx.WithTx(ctx, fn)
	}
	return fn(e.Store)
}

func (e *Engine) entryOf(ctx context.Context, series Series, id EntryID) (Entry, error) {
	entry, err := e.Store.GetEntry(ctx, id)
	if err != nil {
		return Entry{}, storeErr("get entry", err)
	}
	if entry.SeriesID != series.ID {
		return Entry{}, fmt.Errorf("entry %s in series %s: %w", id, series.ID, ErrEntryNotFound)
	}
	return entry, nil
}

func (e *Engine) writeErr(series Series, period PeriodKey, dimension, op string, err error) error {
	if errors.Is(err, ErrDuplicateKey) {
		return e.conflict(series.ID, &ConflictError{SeriesID: series.ID, Period: period, Dimension: dimension})
	}
	return storeErr(op, err)
}

func (e *Engine) conflict(seriesID SeriesID, err error) error {
	if errors.Is(err, ErrConflict) {
		e.observer().ObserveConflict(seriesID)
	}
	return err
}

func (e *Engine) observer() Observer {
	if e.Observer == nil {
		return nopObserver{}
	}
	return e.Observer
}

func (e *Engine) publisher() Publisher {
	if e.Publisher == nil {
		return nopPublisher{}
	}
	return e.Publisher
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

func requireEntries(series Series) error {
	if series.Strategy == StrategyMerge {
		return &ValidationError{Field: "series", Reason: "merge series take contributions, not entries"}
	}
	return nil
}

func validateInput(series Series, date Date, dimension string, value decimal.Decimal) error {
	if date.IsZero() {
		return &ValidationError{Field: "date", Reason: "required"}
	}
	if !validDimension(dimension) {
		return invalidDimension()
	}
	return series.ValidateValue(value)
}

// resolvePeriod picks the period of a contribution. When both a date and a
// period are given the date must fall inside the period.
func resolvePeriod(series Series, date *Date, period PeriodKey) (PeriodKey, error) {
	hasDate := date != nil && !date.IsZero()
	if period == "" {
		if !hasDate {
			return "", &ValidationError{Field: "period", Reason: "date or period required"}
		}
		return PeriodOf(*date, series.Granularity), nil
	}
	p, err := ParsePeriod(period, series.Granularity)
	if err != nil {
		return "", err
	}
	if hasDate && !p.Contains(*date) {
		return "", &ValidationError{Field: "date", Reason: date.String() + " is outside period " + string(period)}
	}
	return period, nil
}

// withField re-labels a value validation error for another field.
func withField(err error, field string) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ValidationError{Field: field, Reason: ve.Reason}
	}
	return err
}

func invalidDimension() error {
	return &ValidationError{Field: "dimension", Reason: "must not contain the unit separator"}
}
