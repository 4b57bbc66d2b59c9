package catalog

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// identifierPattern constrains every view and column name in the descriptors.
// Anything that is not a plain SQL identifier fails the load, which keeps
// free-form SQL out of the catalog entirely.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var knownDatasets = map[DatasetName]bool{
	DatasetSales:     true,
	DatasetInventory: true,
	DatasetProducts:  true,
}

var knownAggregations = map[string]bool{
	AggSum:           true,
	AggCount:         true,
	AggAvg:           true,
	AggCountDistinct: true,
}

// descriptor structs mirror the YAML layout of configs/catalog.yaml.

type MetricDescriptor struct {
	Name                string   `mapstructure:"name"`
	Description         string   `mapstructure:"description"`
	Column              string   `mapstructure:"column"`
	Aggregation         string   `mapstructure:"aggregation"`
	AllowedAggregations []string `mapstructure:"allowed_aggregations"`
	Grain               string   `mapstructure:"grain"`
}

type DimensionDescriptor struct {
	Name          string   `mapstructure:"name"`
	Description   string   `mapstructure:"description"`
	Column        string   `mapstructure:"column"`
	AllowedValues []string `mapstructure:"allowed_values"`
	Pattern       string   `mapstructure:"pattern"`
	TimeUnit      string   `mapstructure:"time_unit"`
}

type DatasetDescriptor struct {
	Name             string                `mapstructure:"name"`
	Description      string                `mapstructure:"description"`
	SourceView       string                `mapstructure:"source_view"`
	DisplayCap       int                   `mapstructure:"display_cap"`
	RowCount         int64                 `mapstructure:"row_count"`
	SourcePrecedence []string              `mapstructure:"source_precedence"`
	Metrics          []MetricDescriptor    `mapstructure:"metrics"`
	Dimensions       []DimensionDescriptor `mapstructure:"dimensions"`
}

type Descriptor struct {
	Version  string              `mapstructure:"version"`
	Datasets []DatasetDescriptor `mapstructure:"datasets"`
}

// Load reads and validates the catalog descriptors. A malformed descriptor
// fails process start-up, not individual requests.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read catalog descriptors: %w", err)
	}

	var desc Descriptor
	if err := v.Unmarshal(&desc); err != nil {
		return nil, fmt.Errorf("unmarshal catalog descriptors: %w", err)
	}

	return Build(&desc)
}

func Build(desc *Descriptor) (*Catalog, error) {
	if len(desc.Datasets) == 0 {
		return nil, fmt.Errorf("catalog declares no datasets")
	}

	c := &Catalog{datasets: make(map[DatasetName]*Dataset, len(desc.Datasets))}

	for _, dd := range desc.Datasets {
		name := DatasetName(strings.ToLower(strings.TrimSpace(dd.Name)))
		if !knownDatasets[name] {
			return nil, fmt.Errorf("dataset %q is not a governed dataset", dd.Name)
		}
		if _, dup := c.datasets[name]; dup {
			return nil, fmt.Errorf("dataset %q declared twice", dd.Name)
		}
		if !identifierPattern.MatchString(dd.SourceView) {
			return nil, fmt.Errorf("dataset %q: source view %q is not a valid identifier", dd.Name, dd.SourceView)
		}

		ds := &Dataset{
			Name:             name,
			Description:      dd.Description,
			SourceView:       dd.SourceView,
			DisplayCap:       dd.DisplayCap,
			RowCount:         dd.RowCount,
			SourcePrecedence: dd.SourcePrecedence,
			metrics:          make(map[string]Metric, len(dd.Metrics)),
			dimensions:       make(map[string]Dimension, len(dd.Dimensions)),
		}
		if ds.DisplayCap <= 0 {
			ds.DisplayCap = 500
		}

		for _, md := range dd.Metrics {
			m, err := buildMetric(ds, md)
			if err != nil {
				return nil, fmt.Errorf("dataset %q: %w", dd.Name, err)
			}
			key := strings.ToLower(m.Name)
			if _, dup := ds.metrics[key]; dup {
				return nil, fmt.Errorf("dataset %q: metric %q declared twice", dd.Name, m.Name)
			}
			ds.metrics[key] = m
		}
		if len(ds.metrics) == 0 {
			return nil, fmt.Errorf("dataset %q declares no metrics", dd.Name)
		}

		for _, dimd := range dd.Dimensions {
			dim, err := buildDimension(ds, dimd)
			if err != nil {
				return nil, fmt.Errorf("dataset %q: %w", dd.Name, err)
			}
			key := strings.ToLower(dim.Name)
			if _, dup := ds.dimensions[key]; dup {
				return nil, fmt.Errorf("dataset %q: dimension %q declared twice", dd.Name, dim.Name)
			}
			ds.dimensions[key] = dim
		}

		c.datasets[name] = ds
	}

	return c, nil
}

func buildMetric(ds *Dataset, md MetricDescriptor) (Metric, error) {
	name := strings.ToLower(strings.TrimSpace(md.Name))
	if name == "" {
		return Metric{}, fmt.Errorf("metric with empty name")
	}
	if !identifierPattern.MatchString(md.Column) {
		return Metric{}, fmt.Errorf("metric %q: column %q is not a valid identifier", md.Name, md.Column)
	}
	if !knownAggregations[md.Aggregation] {
		return Metric{}, fmt.Errorf("metric %q: unknown aggregation %q", md.Name, md.Aggregation)
	}

	allowed := md.AllowedAggregations
	if len(allowed) == 0 {
		allowed = []string{md.Aggregation}
	}
	for _, a := range allowed {
		if !knownAggregations[a] {
			return Metric{}, fmt.Errorf("metric %q: unknown allowed aggregation %q", md.Name, a)
		}
	}

	return Metric{
		Name:                name,
		Description:         md.Description,
		SourceView:          ds.SourceView,
		SourceColumn:        md.Column,
		Aggregation:         md.Aggregation,
		AllowedAggregations: allowed,
		Grain:               md.Grain,
	}, nil
}

func buildDimension(ds *Dataset, dimd DimensionDescriptor) (Dimension, error) {
	name := strings.ToLower(strings.TrimSpace(dimd.Name))
	if name == "" {
		return Dimension{}, fmt.Errorf("dimension with empty name")
	}
	if !identifierPattern.MatchString(dimd.Column) {
		return Dimension{}, fmt.Errorf("dimension %q: column %q is not a valid identifier", dimd.Name, dimd.Column)
	}
	if dimd.TimeUnit != "" && dimd.TimeUnit != "month" && dimd.TimeUnit != "quarter" && dimd.TimeUnit != "year" {
		return Dimension{}, fmt.Errorf("dimension %q: unknown time unit %q", dimd.Name, dimd.TimeUnit)
	}

	dim := Dimension{
		Name:          name,
		Description:   dimd.Description,
		SourceView:    ds.SourceView,
		SourceColumn:  dimd.Column,
		AllowedValues: dimd.AllowedValues,
		Pattern:       dimd.Pattern,
		TimeUnit:      dimd.TimeUnit,
	}

	if dimd.Pattern != "" {
		re, err := regexp.Compile(dimd.Pattern)
		if err != nil {
			return Dimension{}, fmt.Errorf("dimension %q: invalid pattern %q: %v", dimd.Name, dimd.Pattern, err)
		}
		dim.pattern = re
	}

	return dim, nil
}
