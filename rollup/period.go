package rollup

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PERIOD KEY - Partition key of every rollup
// =============================================================================

// Granularity defines how dates are bucketed into periods.
type Granularity string

const (
	GranularityMonth   Granularity = "month"    // YYYY-MM
	GranularityISOWeek Granularity = "iso_week" // YYYY-MM-DD of the Monday
	GranularityYear    Granularity = "year"     // YYYY
)

// PeriodKey identifies a period in its persisted form.
type PeriodKey string

func (k PeriodKey) String() string { return string(k) }

// PeriodOf maps a date to its enclosing period key.
// Unknown granularities fall back to month.
func PeriodOf(d Date, g Granularity) PeriodKey {
	switch g {
	case GranularityISOWeek:
		return PeriodKey(weekStart(d).String())
	case GranularityYear:
		return PeriodKey(fmt.Sprintf("%04d", d.Year()))
	default:
		return PeriodKey(fmt.Sprintf("%04d-%02d", d.Year(), int(d.Month())))
	}
}

// weekStart returns the Monday on or before d.
func weekStart(d Date) Date {
	offset := (int(d.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return d.AddDays(-offset)
}

// uniqueKeySeparator is the ASCII unit separator. Period keys only contain
// digits and dashes, and dimensions containing it are rejected.
const uniqueKeySeparator = "\x1f"

// UniquenessKey joins a period and a dimension into the key a unique series
// must not repeat.
func UniquenessKey(period PeriodKey, dimension string) string {
	return string(period) + uniqueKeySeparator + dimension
}

// =============================================================================
// PERIOD - Inclusive day range of a period key
// =============================================================================

type Period struct {
	Key   PeriodKey
	Start Date
	End   Date
}

// Contains returns true if the date is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return string(p.Key) + " [" + p.Start.String() + ", " + p.End.String() + "]"
}

// ParsePeriod parses a persisted key back into its day range.
func ParsePeriod(key PeriodKey, g Granularity) (Period, error) {
	s := string(key)
	switch g {
	case GranularityMonth:
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return Period{}, &ValidationError{Field: "period", Reason: "expected YYYY-MM, got " + s}
		}
		start := StartOfMonth(t.Year(), t.Month())
		return Period{Key: key, Start: start, End: EndOfMonth(t.Year(), t.Month())}, nil

	case GranularityISOWeek:
		d, err := ParseDate(s)
		if err != nil {
			return Period{}, &ValidationError{Field: "period", Reason: "expected YYYY-MM-DD, got " + s}
		}
		if d.Weekday() != time.Monday {
			return Period{}, &ValidationError{Field: "period", Reason: "week key must be a Monday, got " + s}
		}
		return Period{Key: key, Start: d, End: d.AddDays(6)}, nil

	case GranularityYear:
		t, err := time.Parse("2006", s)
		if err != nil {
			return Period{}, &ValidationError{Field: "period", Reason: "expected YYYY, got " + s}
		}
		return Period{Key: key, Start: StartOfYear(t.Year()), End: EndOfYear(t.Year())}, nil
	}
	return Period{}, &ValidationError{Field: "granularity", Reason: "unknown granularity " + string(g)}
}

func validDimension(dimension string) bool {
	return !strings.Contains(dimension, uniqueKeySeparator)
}
