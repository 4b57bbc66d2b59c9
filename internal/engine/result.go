package engine

import "time"

// Row is one result record: group-by labels plus the aggregated metric value.
// Null marks rows whose metric value was NULL in the view (legitimate, e.g.
// no sales that month).
type Row struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
	Null   bool              `json:"null,omitempty"`
}

// Delta is the relative comparison of one group against the base group of a
// compare query.
type Delta struct {
	Label         string  `json:"label"`
	AbsoluteDelta float64 `json:"absolute_delta"`
	// RelativeDelta is (base − group) / group; zero when the group value is
	// zero.
	RelativeDelta float64 `json:"relative_delta"`
}

// Comparison carries the compare-template extras: the base group and the
// deltas of every other compared group against it.
type Comparison struct {
	Dimension string  `json:"dimension"`
	BaseLabel string  `json:"base_label"`
	BaseValue float64 `json:"base_value"`
	Deltas    []Delta `json:"deltas"`
}

// QueryResult is the typed outcome of one template execution. Owned by the
// engine; passed read-only downstream.
type QueryResult struct {
	Rows       []Row         `json:"rows"`
	Columns    []string      `json:"columns"`
	RowCount   int           `json:"row_count"`
	Truncated  bool          `json:"truncated"`
	Template   string        `json:"executed_template"`
	Duration   time.Duration `json:"execution_time"`
	Comparison *Comparison   `json:"comparison,omitempty"`
}
