/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the rollup model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DECIMALS:
  Values, totals and targets are shopspring decimals and travel as JSON
  strings ("150.25") so no precision is lost in JavaScript clients.
  Requests accept both quoted and bare numbers.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/series.go: SeriesJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/rollup-engine/factory"
	"github.com/warp/rollup-engine/rollup"
)

// =============================================================================
// SERIES
// =============================================================================

// SeriesDTO wraps the factory JSON form.
type SeriesDTO = factory.SeriesJSON

// =============================================================================
// ENTRIES
// =============================================================================

type EntryDTO struct {
	ID           string           `json:"id"`
	SeriesID     string           `json:"series_id"`
	Date         string           `json:"date"`
	Period       string           `json:"period"`
	Dimension    string           `json:"dimension,omitempty"`
	Value        decimal.Decimal  `json:"value"`
	RunningTotal *decimal.Decimal `json:"running_total,omitempty"` // prefix_sum series only
	Version      int64            `json:"version"`
	CreatedAt    string           `json:"created_at"`
	UpdatedAt    string           `json:"updated_at"`
}

type CreateEntryRequest struct {
	Date      string          `json:"date"` // YYYY-MM-DD
	Dimension string          `json:"dimension"`
	Value     decimal.Decimal `json:"value"`
}

// UpdateEntryRequest changes only the fields present in the body.
type UpdateEntryRequest struct {
	Date      *string          `json:"date"`
	Dimension *string          `json:"dimension"`
	Value     *decimal.Decimal `json:"value"`
}

type RecomputeDTO struct {
	SeriesID string          `json:"series_id"`
	Period   string          `json:"period"`
	Changed  int             `json:"changed"`
	Total    decimal.Decimal `json:"total"`
	Entries  []EntryDTO      `json:"entries"`
}

// =============================================================================
// AGGREGATES
// =============================================================================

type AggregateDTO struct {
	SeriesID      string          `json:"series_id"`
	Period        string          `json:"period"`
	Dimension     string          `json:"dimension,omitempty"`
	Target        decimal.Decimal `json:"target"`
	Accumulated   decimal.Decimal `json:"accumulated"`
	Contributions int64           `json:"contributions"`
	Version       int64           `json:"version"`
	UpdatedAt     string          `json:"updated_at"`
}

// ContributionRequest names the period by date or by key.
type ContributionRequest struct {
	Date      *string          `json:"date,omitempty"`
	Period    string           `json:"period,omitempty"`
	Dimension string           `json:"dimension"`
	Delta     decimal.Decimal  `json:"delta"`
	Target    *decimal.Decimal `json:"target,omitempty"` // Used only when the aggregate is created
}

type SetTargetRequest struct {
	Period    string          `json:"period"`
	Dimension string          `json:"dimension"`
	Target    decimal.Decimal `json:"target"`
}

// =============================================================================
// GOAL STATUS
// =============================================================================

type StatusDTO struct {
	SeriesID  string           `json:"series_id"`
	Period    string           `json:"period"`
	Dimension string           `json:"dimension,omitempty"`
	Status    string           `json:"status"`
	Target    *decimal.Decimal `json:"target,omitempty"`
	Value     *decimal.Decimal `json:"value,omitempty"`
}

// =============================================================================
// RECONCILIATION
// =============================================================================

type ReconcileRequest struct {
	SeriesID string `json:"series_id,omitempty"` // Empty reconciles every series
}

type DuplicateGroupDTO struct {
	Period    string   `json:"period"`
	Dimension string   `json:"dimension,omitempty"`
	EntryIDs  []string `json:"entry_ids"`
}

type ReconcileRunDTO struct {
	ID          string              `json:"id"`
	SeriesID    string              `json:"series_id"`
	Status      string              `json:"status"`
	Periods     int                 `json:"periods"`
	Repaired    int                 `json:"repaired"`
	Duplicates  int                 `json:"duplicates"`
	Error       string              `json:"error,omitempty"`
	StartedAt   string              `json:"started_at"`
	CompletedAt *string             `json:"completed_at,omitempty"`

	// Present only on the response of a run just executed
	RepairedPeriods []string            `json:"repaired_periods,omitempty"`
	DuplicateGroups []DuplicateGroupDTO `json:"duplicate_groups,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toEntryDTO(series rollup.Series, e rollup.Entry) EntryDTO {
	dto := EntryDTO{
		ID:        string(e.ID),
		SeriesID:  string(e.SeriesID),
		Date:      e.Date.String(),
		Period:    string(e.Period),
		Dimension: e.Dimension,
		Value:     e.Value,
		Version:   e.Version,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
		UpdatedAt: e.UpdatedAt.Format(time.RFC3339),
	}
	if series.Strategy == rollup.StrategyPrefixSum {
		total := e.RunningTotal
		dto.RunningTotal = &total
	}
	return dto
}

func toEntryDTOs(series rollup.Series, entries []rollup.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(series, e)
	}
	return dtos
}

func toAggregateDTO(a rollup.Aggregate) AggregateDTO {
	return AggregateDTO{
		SeriesID:      string(a.Key.SeriesID),
		Period:        string(a.Key.Period),
		Dimension:     a.Key.Dimension,
		Target:        a.Target,
		Accumulated:   a.Accumulated,
		Contributions: a.Contributions,
		Version:       a.Version,
		UpdatedAt:     a.UpdatedAt.Format(time.RFC3339),
	}
}

func toStatusDTO(r rollup.StatusReport) StatusDTO {
	return StatusDTO{
		SeriesID:  string(r.SeriesID),
		Period:    string(r.Period),
		Dimension: r.Dimension,
		Status:    string(r.Status),
		Target:    r.Target,
		Value:     r.Value,
	}
}

func toRunDTO(run rollup.ReconcileRun, report *rollup.ReconcileReport) ReconcileRunDTO {
	dto := ReconcileRunDTO{
		ID:         run.ID,
		SeriesID:   string(run.SeriesID),
		Status:     string(run.Status),
		Periods:    run.Periods,
		Repaired:   run.Repaired,
		Duplicates: run.Duplicates,
		Error:      run.Error,
		StartedAt:  run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		s := run.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	if report != nil {
		for _, p := range report.Repaired {
			dto.RepairedPeriods = append(dto.RepairedPeriods, string(p))
		}
		for _, d := range report.Duplicates {
			g := DuplicateGroupDTO{Period: string(d.Period), Dimension: d.Dimension}
			for _, id := range d.EntryIDs {
				g.EntryIDs = append(g.EntryIDs, string(id))
			}
			dto.DuplicateGroups = append(dto.DuplicateGroups, g)
		}
	}
	return dto
}
