package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func validDescriptor() *Descriptor {
	return &Descriptor{
		Version: "1",
		Datasets: []DatasetDescriptor{
			{
				Name:        "sales",
				Description: "sales transactions",
				SourceView:  "sales_fact_view",
				Metrics: []MetricDescriptor{
					{Name: "sales_amount", Column: "amount", Aggregation: AggSum, AllowedAggregations: []string{AggSum, AggAvg}, Grain: "transaction"},
					{Name: "order_count", Column: "order_id", Aggregation: AggCountDistinct, Grain: "transaction"},
				},
				Dimensions: []DimensionDescriptor{
					{Name: "category", Column: "category"},
					{Name: "year", Column: "year", Pattern: `^\d{4}$`, TimeUnit: "year"},
					{Name: "fulfilment", Column: "fulfilment", AllowedValues: []string{"Amazon", "Merchant"}},
				},
			},
		},
	}
}

// ==========================
// Build Tests
// ==========================

func TestBuild_ValidDescriptor(t *testing.T) {
	cat, err := Build(validDescriptor())
	require.NoError(t, err)

	ds, ok := cat.Dataset("sales")
	require.True(t, ok)
	assert.Equal(t, "sales_fact_view", ds.SourceView)
	assert.Equal(t, 500, ds.DisplayCap)

	m, ok := ds.Metric("sales_amount")
	require.True(t, ok)
	assert.Equal(t, "amount", m.SourceColumn)
	assert.True(t, m.AllowsAggregation(AggAvg))
	assert.False(t, m.AllowsAggregation(AggCount))

	// Metric without explicit allowed_aggregations permits only its own.
	oc, ok := ds.Metric("order_count")
	require.True(t, ok)
	assert.True(t, oc.AllowsAggregation(AggCountDistinct))
	assert.False(t, oc.AllowsAggregation(AggSum))
}

func TestBuild_CaseInsensitiveLookups(t *testing.T) {
	cat, err := Build(validDescriptor())
	require.NoError(t, err)

	ds, ok := cat.Dataset("SALES")
	require.True(t, ok)

	_, ok = ds.Metric("Sales_Amount")
	assert.True(t, ok)
	_, ok = ds.Dimension("CATEGORY")
	assert.True(t, ok)
}

func TestBuild_RejectsInvalidDescriptors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Descriptor)
	}{
		{
			name:   "no datasets",
			mutate: func(d *Descriptor) { d.Datasets = nil },
		},
		{
			name:   "ungoverned dataset name",
			mutate: func(d *Descriptor) { d.Datasets[0].Name = "payroll" },
		},
		{
			name:   "source view with injection",
			mutate: func(d *Descriptor) { d.Datasets[0].SourceView = "sales; DROP TABLE users" },
		},
		{
			name:   "metric column with uppercase",
			mutate: func(d *Descriptor) { d.Datasets[0].Metrics[0].Column = "Amount" },
		},
		{
			name:   "unknown aggregation",
			mutate: func(d *Descriptor) { d.Datasets[0].Metrics[0].Aggregation = "median" },
		},
		{
			name:   "unknown allowed aggregation",
			mutate: func(d *Descriptor) { d.Datasets[0].Metrics[0].AllowedAggregations = []string{"stddev"} },
		},
		{
			name:   "no metrics",
			mutate: func(d *Descriptor) { d.Datasets[0].Metrics = nil },
		},
		{
			name: "duplicate metric",
			mutate: func(d *Descriptor) {
				d.Datasets[0].Metrics = append(d.Datasets[0].Metrics, d.Datasets[0].Metrics[0])
			},
		},
		{
			name:   "invalid dimension pattern",
			mutate: func(d *Descriptor) { d.Datasets[0].Dimensions[1].Pattern = "([" },
		},
		{
			name:   "unknown time unit",
			mutate: func(d *Descriptor) { d.Datasets[0].Dimensions[1].TimeUnit = "week" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := validDescriptor()
			tt.mutate(desc)
			_, err := Build(desc)
			assert.Error(t, err)
		})
	}
}

// ==========================
// Dimension Value Tests
// ==========================

func TestDimension_ValidValue(t *testing.T) {
	cat, err := Build(validDescriptor())
	require.NoError(t, err)
	ds, _ := cat.Dataset("sales")

	year, _ := ds.Dimension("year")
	assert.True(t, year.ValidValue("2022"))
	assert.False(t, year.ValidValue("22"))
	assert.False(t, year.ValidValue("2022; DROP"))
	assert.True(t, year.IsTime())

	fulfilment, _ := ds.Dimension("fulfilment")
	assert.True(t, fulfilment.ValidValue("Amazon"))
	assert.True(t, fulfilment.ValidValue("amazon"))
	assert.False(t, fulfilment.ValidValue("Courier"))

	// Unconstrained dimension accepts anything; the value binds as a
	// parameter, never as SQL text.
	category, _ := ds.Dimension("category")
	assert.True(t, category.ValidValue("Electronics"))
	assert.True(t, category.ValidValue("Robert'); DROP TABLE"))
}

// ==========================
// Load Tests
// ==========================

func TestLoad_FromYAMLFile(t *testing.T) {
	content := `
version: "1"
datasets:
  - name: sales
    source_view: sales_fact_view
    metrics:
      - name: sales_amount
        column: amount
        aggregation: sum
    dimensions:
      - name: category
        column: category
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cat, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, cat.DatasetNames())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
