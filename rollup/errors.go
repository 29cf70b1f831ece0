/*
errors.go - Centralized error types for the rollup engine

ERROR CATEGORIES:
  1. Validation - missing or malformed input, returned before any write
  2. Conflict   - uniqueness violation on create, returned before any write
  3. Store      - transport/availability failures, surfaced unchanged
  4. Stale      - the entry write committed but the rollup batch did not

STALENESS:
  A failed rollup batch leaves the entry in place and the derived values of
  its period stale until the next successful mutation (or Reconcile)
  recomputes them. StaleRollupError reports this to the caller; it is never
  swallowed.

USAGE:
  if errors.Is(err, rollup.ErrConflict) { ... }
  var stale *rollup.StaleRollupError
  if errors.As(err, &stale) { schedule a recompute of stale.Period }
*/
package rollup

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("uniqueness conflict")

	// ErrStaleRollup means derived values of a period no longer match its
	// entries because the rollup batch failed after the entry write.
	ErrStaleRollup = errors.New("rollup is stale")

	ErrEntryNotFound     = errors.New("entry not found")
	ErrSeriesNotFound    = errors.New("series not found")
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrDuplicateKey is returned by stores when a write would repeat the
	// unique key of a series.
	ErrDuplicateKey = errors.New("duplicate unique key")

	// ErrConcurrentModification is returned by stores when a versioned write
	// finds a different version than the one it read.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports an existing entry holding the same (period, dimension).
type ConflictError struct {
	SeriesID   SeriesID
	Period     PeriodKey
	Dimension  string
	ExistingID EntryID // Empty when the store rejected the write itself
}

func (e *ConflictError) Error() string {
	if e.Dimension == "" {
		return fmt.Sprintf("series %s already has an entry for %s", e.SeriesID, e.Period)
	}
	return fmt.Sprintf("series %s already has an entry for %s/%s", e.SeriesID, e.Period, e.Dimension)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StoreError wraps a failure of the underlying store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// StaleRollupError is returned when the entry mutation committed but the
// recompute of its period failed.
type StaleRollupError struct {
	SeriesID SeriesID
	Period   PeriodKey
	Err      error
}

func (e *StaleRollupError) Error() string {
	return fmt.Sprintf("entry committed but rollup of %s/%s is stale: %v", e.SeriesID, e.Period, e.Err)
}

func (e *StaleRollupError) Unwrap() []error { return []error{ErrStaleRollup, e.Err} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrSeriesNotFound) ||
		errors.Is(err, ErrAggregateNotFound)
}
