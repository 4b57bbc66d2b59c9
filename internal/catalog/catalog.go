// Package catalog holds the static registry of governed datasets, metrics,
// and dimensions. It is loaded once at process start and is read-only for the
// process lifetime, so concurrent readers need no locking.
package catalog

import (
	"regexp"
	"sort"
	"strings"
)

// DatasetName enumerates the governed datasets.
type DatasetName string

const (
	DatasetSales     DatasetName = "sales"
	DatasetInventory DatasetName = "inventory"
	DatasetProducts  DatasetName = "products"
)

// Aggregation functions permitted in query templates. Closed set: the engine
// renders SQL only from these.
const (
	AggSum           = "sum"
	AggCount         = "count"
	AggAvg           = "avg"
	AggCountDistinct = "count_distinct"
)

// Metric describes one governed measure: where it lives and how it may be
// aggregated.
type Metric struct {
	Name                string
	Description         string
	SourceView          string
	SourceColumn        string
	Aggregation         string
	AllowedAggregations []string
	Grain               string
}

// AllowsAggregation reports whether the metric's grain permits the given
// aggregation function.
func (m Metric) AllowsAggregation(agg string) bool {
	for _, a := range m.AllowedAggregations {
		if a == agg {
			return true
		}
	}
	return false
}

// Dimension describes one governed group-by/filter attribute. A dimension is
// constrained either by an enumerated allowed-value set or by a format
// pattern; values failing the constraint never reach query construction.
type Dimension struct {
	Name          string
	Description   string
	SourceView    string
	SourceColumn  string
	AllowedValues []string
	Pattern       string
	// TimeUnit marks chronological dimensions (month, quarter, year) usable
	// for trend queries.
	TimeUnit string

	pattern *regexp.Regexp
}

// IsTime reports whether the dimension is a chronological one.
func (d Dimension) IsTime() bool {
	return d.TimeUnit != ""
}

// ValidValue checks a filter value against the dimension's allowed-value set
// or format rule. Matching against enumerated values is case-insensitive;
// the value itself is data and is never rewritten.
func (d Dimension) ValidValue(value string) bool {
	if len(d.AllowedValues) > 0 {
		for _, allowed := range d.AllowedValues {
			if strings.EqualFold(allowed, value) {
				return true
			}
		}
		return false
	}
	if d.pattern != nil {
		return d.pattern.MatchString(value)
	}
	return true
}

// Dataset groups the metrics and dimensions of one governed view.
type Dataset struct {
	Name             DatasetName
	Description      string
	SourceView       string
	DisplayCap       int
	RowCount         int64
	SourcePrecedence []string

	metrics    map[string]Metric
	dimensions map[string]Dimension
}

// Metric looks up a metric by canonical (lowercase) name.
func (d *Dataset) Metric(name string) (Metric, bool) {
	m, ok := d.metrics[strings.ToLower(name)]
	return m, ok
}

// Dimension looks up a dimension by canonical (lowercase) name.
func (d *Dataset) Dimension(name string) (Dimension, bool) {
	dim, ok := d.dimensions[strings.ToLower(name)]
	return dim, ok
}

// MetricNames returns the sorted metric names of the dataset.
func (d *Dataset) MetricNames() []string {
	names := make([]string, 0, len(d.metrics))
	for name := range d.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DimensionNames returns the sorted dimension names of the dataset.
func (d *Dataset) DimensionNames() []string {
	names := make([]string, 0, len(d.dimensions))
	for name := range d.dimensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog is the process-wide registry. Immutable after Load.
type Catalog struct {
	datasets map[DatasetName]*Dataset
}

// Dataset looks up a dataset by canonical (lowercase) name.
func (c *Catalog) Dataset(name string) (*Dataset, bool) {
	ds, ok := c.datasets[DatasetName(strings.ToLower(name))]
	return ds, ok
}

// DatasetNames returns the sorted names of all governed datasets.
func (c *Catalog) DatasetNames() []string {
	names := make([]string, 0, len(c.datasets))
	for name := range c.datasets {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
