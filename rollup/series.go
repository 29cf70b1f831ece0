package rollup

import (
	"context"
	"errors"
)

// =============================================================================
// SERIES DECLARATION
// =============================================================================

// DeclareSeries stores a series definition, creating or replacing it.
//
// Kind, strategy, granularity and uniqueness decide how stored entries were
// keyed and rolled up, so they are fixed once the series holds entries or
// aggregates. Name, unit, direction and target can always change.
func (e *Engine) DeclareSeries(ctx context.Context, series Series) error {
	if err := series.Validate(); err != nil {
		return err
	}
	ss, ok := e.Store.(SeriesStore)
	if !ok {
		return &StoreError{Op: "save series", Err: errors.New("store does not persist series")}
	}

	current, err := ss.GetSeries(ctx, series.ID)
	switch {
	case errors.Is(err, ErrSeriesNotFound):
	case err != nil:
		return storeErr("get series", err)
	default:
		if field := shapeChange(current, series); field != "" {
			held, err := e.holdsData(ctx, series.ID)
			if err != nil {
				return err
			}
			if held {
				return &ValidationError{Field: field, Reason: "cannot change while the series holds data"}
			}
		}
	}

	if err := ss.SaveSeries(ctx, series); err != nil {
		return storeErr("save series", err)
	}
	return nil
}

// shapeChange names the first field that changes how data is stored.
func shapeChange(current, next Series) string {
	switch {
	case current.Kind != next.Kind:
		return "kind"
	case current.Strategy != next.Strategy:
		return "strategy"
	case current.Granularity != next.Granularity:
		return "granularity"
	case current.Unique != next.Unique:
		return "unique"
	}
	return ""
}

func (e *Engine) holdsData(ctx context.Context, id SeriesID) (bool, error) {
	periods, err := e.Store.ListPeriods(ctx, id)
	if err != nil {
		return false, storeErr("list periods", err)
	}
	if len(periods) > 0 {
		return true, nil
	}
	aggs, err := e.Store.ListAggregates(ctx, id, "")
	if err != nil {
		return false, storeErr("list aggregates", err)
	}
	return len(aggs) > 0, nil
}
