// Package intent defines the normalized query intent and the normalizer that
// produces it from untrusted external JSON.
package intent

import "strings"

// QueryType enumerates the closed set of supported query shapes. Each maps to
// exactly one query template.
type QueryType string

const (
	QueryAggregate QueryType = "aggregate"
	QueryCompare   QueryType = "compare"
	QueryTrend     QueryType = "trend"
	QueryTopN      QueryType = "top_n"
)

// Intent is the normalized request produced from intent-resolution JSON.
// Immutable after creation; consumed by the firewall and the query engine.
type Intent struct {
	Dataset    string            `json:"dataset"`
	QueryType  QueryType         `json:"query_type"`
	Metric     string            `json:"metric"`
	Dimensions []string          `json:"dimensions,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
	TopNCount  int               `json:"top_n_count,omitempty"`
	Confidence float64           `json:"confidence"`
}

// FilterValue is a parsed filter: either a list of discrete values or an
// inclusive range. Filter strings are data, never identifiers; parsing only
// splits, it never rewrites values.
type FilterValue struct {
	Values []string
	Range  *[2]string
}

// IsRange reports whether the filter is an inclusive range.
func (f FilterValue) IsRange() bool {
	return f.Range != nil
}

// Parts returns every individual value carried by the filter, for per-value
// validation.
func (f FilterValue) Parts() []string {
	if f.Range != nil {
		return []string{f.Range[0], f.Range[1]}
	}
	return f.Values
}

// ParseFilterValue parses the wire form of a filter value. Multiple compared
// values are comma-separated ("2021,2022"); inclusive ranges use ".."
// ("2022..2023"). A plain value parses as a single-element list.
func ParseFilterValue(raw string) FilterValue {
	if lo, hi, ok := strings.Cut(raw, ".."); ok && lo != "" && hi != "" && !strings.Contains(hi, "..") {
		r := [2]string{strings.TrimSpace(lo), strings.TrimSpace(hi)}
		return FilterValue{Range: &r}
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		values = []string{strings.TrimSpace(raw)}
	}
	return FilterValue{Values: values}
}
