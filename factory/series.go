/*
Package factory provides JSON to Go series conversion.

PURPOSE:
  Converts JSON series definitions into rollup.Series values. Dashboard
  ledgers are declared in JSON (admin UI, seed files, the API) and the
  factory fills defaults and validates the declaration before anything is
  stored.

JSON SCHEMA:
  {
    "id": "collections-2025",
    "name": "Monthly collections",
    "kind": "amount",
    "unit": "USD",
    "strategy": "prefix_sum",
    "granularity": "month",
    "unique": false,
    "direction": "higher_is_better",
    "target": "125000"
  }

DEFAULTS:
  strategy     prefix_sum
  granularity  month
  direction    higher_is_better

USAGE:
  factory := NewSeriesFactory()

  // From JSON string
  series, err := factory.ParseSeries(jsonString)

  // From a preset (recommended)
  import "github.com/warp/rollup-engine/ledgers"
  series, err := factory.ParseSeries(ledgers.DebtReductionJSON("debt", "Outstanding debt", "USD"))

SEE ALSO:
  - rollup/types.go: Series type definition
  - ledgers/presets.go: Preset series definitions
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/rollup"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// SeriesJSON is the JSON representation of a series.
type SeriesJSON struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	Unit        string           `json:"unit,omitempty"`
	Strategy    string           `json:"strategy,omitempty"`
	Granularity string           `json:"granularity,omitempty"`
	Unique      bool             `json:"unique,omitempty"`
	Direction   string           `json:"direction,omitempty"`
	Target      *decimal.Decimal `json:"target,omitempty"` // prefix_sum and none series only
}

// =============================================================================
// SERIES FACTORY
// =============================================================================

// SeriesFactory converts JSON series to Go structs.
type SeriesFactory struct{}

// NewSeriesFactory creates a new series factory.
func NewSeriesFactory() *SeriesFactory {
	return &SeriesFactory{}
}

// ParseSeries parses a JSON string into a validated Series.
func (f *SeriesFactory) ParseSeries(jsonStr string) (*rollup.Series, error) {
	var sj SeriesJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return nil, fmt.Errorf("failed to parse series JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// FromJSON converts SeriesJSON to a validated Series, filling defaults.
func (f *SeriesFactory) FromJSON(sj SeriesJSON) (*rollup.Series, error) {
	series := &rollup.Series{
		ID:          rollup.SeriesID(sj.ID),
		Name:        sj.Name,
		Kind:        rollup.Kind(sj.Kind),
		Unit:        sj.Unit,
		Strategy:    rollup.Strategy(withDefault(sj.Strategy, string(rollup.StrategyPrefixSum))),
		Granularity: rollup.Granularity(withDefault(sj.Granularity, string(rollup.GranularityMonth))),
		Unique:      sj.Unique,
		Direction:   rollup.Direction(withDefault(sj.Direction, string(rollup.DirectionHigherIsBetter))),
		Target:      sj.Target,
	}
	if series.Name == "" {
		series.Name = sj.ID
	}
	if series.Strategy == rollup.StrategyMerge && series.Target != nil {
		return nil, &rollup.ValidationError{Field: "target", Reason: "merge series take targets per period"}
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}
	return series, nil
}

// ToJSON converts a Series to SeriesJSON.
func (f *SeriesFactory) ToJSON(series rollup.Series) SeriesJSON {
	return SeriesJSON{
		ID:          string(series.ID),
		Name:        series.Name,
		Kind:        string(series.Kind),
		Unit:        series.Unit,
		Strategy:    string(series.Strategy),
		Granularity: string(series.Granularity),
		Unique:      series.Unique,
		Direction:   string(series.Direction),
		Target:      series.Target,
	}
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
