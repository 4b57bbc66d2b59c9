// Package sanity inspects executed query results for shapes that usually mean
// the question and the data disagree: nothing matched, far more groups than a
// person can read, or mostly-NULL aggregates. Flags annotate or redirect the
// answer; they never fail the request.
package sanity

import (
	"retail-insights/internal/catalog"
	"retail-insights/internal/common/metrics"
	"retail-insights/internal/engine"
)

// Flag names raised on executed results.
const (
	FlagEmptyResult    = "empty_result"
	FlagExcessiveRows  = "excessive_rows"
	FlagNullSaturation = "null_saturation"
)

// Flag is one observation about a result. Advisory only.
type Flag struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Checker evaluates result shapes. Stateless apart from configuration.
type Checker struct {
	nullSaturationThreshold float64
}

func New(nullSaturationThreshold float64) *Checker {
	return &Checker{nullSaturationThreshold: nullSaturationThreshold}
}

// Check returns every flag the result earns, in a fixed order. An empty
// result short-circuits: the other checks are meaningless with no rows, and
// the orchestrator treats empty_result as a clarification trigger.
func (c *Checker) Check(ds *catalog.Dataset, result *engine.QueryResult) []Flag {
	if result.RowCount == 0 {
		return c.record(ds, Flag{
			Name:    FlagEmptyResult,
			Message: "No data matched the filters. A filter value may be misspelled or outside the data's date range.",
		})
	}

	var flags []Flag

	if ds.DisplayCap > 0 && result.RowCount > ds.DisplayCap {
		flags = append(flags, Flag{
			Name:    FlagExcessiveRows,
			Message: "The result has more groups than can be usefully displayed. Consider narrowing with a filter or asking for a top-n.",
		})
	}

	nulls := 0
	for _, row := range result.Rows {
		if row.Null {
			nulls++
		}
	}
	if ratio := float64(nulls) / float64(result.RowCount); ratio >= c.nullSaturationThreshold {
		flags = append(flags, Flag{
			Name:    FlagNullSaturation,
			Message: "Most groups have no recorded value for this metric. The answer may not mean what it appears to.",
		})
	}

	return c.record(ds, flags...)
}

func (c *Checker) record(ds *catalog.Dataset, flags ...Flag) []Flag {
	for _, f := range flags {
		metrics.SanityFlags.WithLabelValues(f.Name, string(ds.Name)).Inc()
	}
	return flags
}
