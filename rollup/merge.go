/*
merge.go - Monotonic merge of contributions into a period accumulator

INVARIANT:
  Aggregate.Accumulated equals the sum of every contribution merged into it.
  Each call merges exactly once; deduplicating contributions by content is
  the caller's responsibility.

ALGORITHM:
  1. Look up the aggregate for (series, period, dimension)
  2. Absent: create it with Accumulated = delta and the caller's target
     (a target is required on the first contribution)
  3. Present: Accumulated = Accumulated + delta

  Stores implementing Incrementer do steps 1-3 atomically. Otherwise the
  read-modify-write is a versioned PutAggregate, and a concurrent writer
  surfaces as ErrConcurrentModification for the engine to retry.

EXAMPLE (lower is better):
  target 9300000, contributions 9800000, -200000, -150000
  -> Accumulated 9450000, status NotMet
*/
package rollup

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// MergeContribution adds delta to the aggregate of key and returns the
// stored record. target is only used when the aggregate does not exist yet.
func MergeContribution(ctx context.Context, store AggregateStore, key AggregateKey, delta decimal.Decimal, target *decimal.Decimal) (Aggregate, error) {
	if inc, ok := store.(Incrementer); ok {
		agg, err := inc.IncrementAggregate(ctx, key, delta, target)
		if errors.Is(err, ErrAggregateNotFound) {
			return Aggregate{}, targetRequired()
		}
		if err != nil {
			return Aggregate{}, storeErr("increment aggregate", err)
		}
		return agg, nil
	}

	agg, found, err := store.GetAggregate(ctx, key)
	if err != nil {
		return Aggregate{}, storeErr("get aggregate", err)
	}
	if !found {
		if target == nil {
			return Aggregate{}, targetRequired()
		}
		agg = Aggregate{Key: key, Target: *target, Accumulated: decimal.Zero}
	}
	agg.Accumulated = agg.Accumulated.Add(delta)
	agg.Contributions++

	stored, err := store.PutAggregate(ctx, agg)
	if err != nil {
		return Aggregate{}, storeErr("put aggregate", err)
	}
	return stored, nil
}

// SetTarget creates the aggregate with a zero accumulator or replaces the
// target of an existing one. This is the explicit edit path for targets.
func SetTarget(ctx context.Context, store AggregateStore, key AggregateKey, target decimal.Decimal) (Aggregate, error) {
	agg, found, err := store.GetAggregate(ctx, key)
	if err != nil {
		return Aggregate{}, storeErr("get aggregate", err)
	}
	if !found {
		agg = Aggregate{Key: key, Accumulated: decimal.Zero}
	}
	agg.Target = target

	stored, err := store.PutAggregate(ctx, agg)
	if err != nil {
		return Aggregate{}, storeErr("put aggregate", err)
	}
	return stored, nil
}

func targetRequired() error {
	return &ValidationError{Field: "target", Reason: "required on the first contribution of a period"}
}
