package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"retail-insights/internal/catalog"
	pipeerrors "retail-insights/internal/common/errors"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/intent"
)

// ==========================
// Test Helper Functions
// ==========================

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Build(&catalog.Descriptor{
		Version: "1",
		Datasets: []catalog.DatasetDescriptor{
			{
				Name:       "sales",
				SourceView: "sales_fact_view",
				Metrics: []catalog.MetricDescriptor{
					{Name: "sales_amount", Column: "amount", Aggregation: catalog.AggSum, Grain: "transaction"},
					{Name: "order_count", Column: "order_id", Aggregation: catalog.AggCountDistinct, Grain: "transaction"},
				},
				Dimensions: []catalog.DimensionDescriptor{
					{Name: "category", Column: "category"},
					{Name: "product_name", Column: "style"},
					{Name: "month", Column: "month", Pattern: `^(0?[1-9]|1[0-2])$`, TimeUnit: "month"},
					{Name: "year", Column: "year", Pattern: `^\d{4}$`, TimeUnit: "year"},
				},
			},
		},
	})
	require.NoError(t, err)
	return cat
}

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eng := New(db, testCatalog(t), 50, timeout, logger.NewTestLogger(t))
	return eng, mock
}

// ==========================
// Template Execution Tests
// ==========================

func TestExecute_AggregateNoGroupBy(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT SUM(amount) AS sales_amount FROM sales_fact_view ORDER BY sales_amount DESC",
	)).WillReturnRows(sqlmock.NewRows([]string{"sales_amount"}).AddRow(1234.5))

	result, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:   "sales",
		QueryType: intent.QueryAggregate,
		Metric:    "sales_amount",
	})
	require.NoError(t, err)

	assert.Equal(t, "aggregate_v1", result.Template)
	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, 1234.5, result.Rows[0].Value)
	assert.False(t, result.Rows[0].Null)
	assert.False(t, result.Truncated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_AggregateWithFiltersAndGroupBy(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	// Filters apply in sorted key order; numeric-looking values bind as
	// integers so integer view columns compare without casts.
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT category AS category, SUM(amount) AS sales_amount FROM sales_fact_view"+
			" WHERE category = $1 AND year = $2 GROUP BY category ORDER BY sales_amount DESC",
	)).WithArgs("Electronics", int64(2022)).
		WillReturnRows(sqlmock.NewRows([]string{"category", "sales_amount"}).AddRow("Electronics", 500.0))

	result, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryAggregate,
		Metric:     "sales_amount",
		Dimensions: []string{"category"},
		Filters:    map[string]string{"year": "2022", "category": "Electronics"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.RowCount)
	assert.Equal(t, "Electronics", result.Rows[0].Labels["category"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_CompareTwoCategories(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT category AS category, SUM(amount) AS sales_amount FROM sales_fact_view"+
			" WHERE category IN ($1, $2) GROUP BY category ORDER BY sales_amount DESC",
	)).WithArgs("Electronics", "Kurta").
		WillReturnRows(sqlmock.NewRows([]string{"category", "sales_amount"}).
			AddRow("Electronics", 500.0).
			AddRow("Kurta", 300.0))

	result, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryCompare,
		Metric:     "sales_amount",
		Dimensions: []string{"category"},
		Filters:    map[string]string{"category": "Electronics,Kurta"},
	})
	require.NoError(t, err)

	assert.Equal(t, "compare_v1", result.Template)
	assert.Equal(t, 2, result.RowCount)
	// Descending by metric value.
	assert.Equal(t, "Electronics", result.Rows[0].Labels["category"])
	assert.Equal(t, "Kurta", result.Rows[1].Labels["category"])

	require.NotNil(t, result.Comparison)
	assert.Equal(t, "Electronics", result.Comparison.BaseLabel)
	assert.Equal(t, 500.0, result.Comparison.BaseValue)
	require.Len(t, result.Comparison.Deltas, 1)
	assert.Equal(t, "Kurta", result.Comparison.Deltas[0].Label)
	assert.Equal(t, 200.0, result.Comparison.Deltas[0].AbsoluteDelta)
	assert.InDelta(t, 200.0/300.0, result.Comparison.Deltas[0].RelativeDelta, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_TrendWithYearRange(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT month AS month, SUM(amount) AS sales_amount FROM sales_fact_view"+
			" WHERE year BETWEEN $1 AND $2 GROUP BY month ORDER BY month ASC",
	)).WithArgs(int64(2022), int64(2023)).
		WillReturnRows(sqlmock.NewRows([]string{"month", "sales_amount"}).
			AddRow(1, 100.0).
			AddRow(2, 120.0).
			AddRow(3, nil))

	result, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryTrend,
		Metric:     "sales_amount",
		Dimensions: []string{"month"},
		Filters:    map[string]string{"year": "2022..2023"},
	})
	require.NoError(t, err)

	assert.Equal(t, "trend_v1", result.Template)
	assert.Equal(t, 3, result.RowCount)
	// Chronological order, integer label scanned through as text.
	assert.Equal(t, "1", result.Rows[0].Labels["month"])
	// NULL aggregate is a data point, not an error.
	assert.True(t, result.Rows[2].Null)
	assert.Equal(t, 0.0, result.Rows[2].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_TopNAppliesCap(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	// A request for 1000 executes at the cap and is flagged, not rejected.
	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT style AS product_name, SUM(amount) AS sales_amount FROM sales_fact_view" +
			" GROUP BY style ORDER BY sales_amount DESC LIMIT 50",
	)).WillReturnRows(sqlmock.NewRows([]string{"product_name", "sales_amount"}).
		AddRow("JNE3797", 910.0).
		AddRow("SET268", 870.0))

	result, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryTopN,
		Metric:     "sales_amount",
		Dimensions: []string{"product_name"},
		TopNCount:  1000,
	})
	require.NoError(t, err)

	assert.Equal(t, "top_n_v1", result.Template)
	assert.True(t, result.Truncated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_TopNWithinCap(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	mock.ExpectQuery(regexp.QuoteMeta("LIMIT 5")).
		WillReturnRows(sqlmock.NewRows([]string{"product_name", "sales_amount"}).AddRow("JNE3797", 910.0))

	result, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryTopN,
		Metric:     "sales_amount",
		Dimensions: []string{"product_name"},
		TopNCount:  5,
	})
	require.NoError(t, err)
	assert.False(t, result.Truncated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecute_Idempotent(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery(regexp.QuoteMeta(
			"SELECT SUM(amount) AS sales_amount FROM sales_fact_view ORDER BY sales_amount DESC",
		)).WillReturnRows(sqlmock.NewRows([]string{"sales_amount"}).AddRow(42.0))
	}

	in := &intent.Intent{Dataset: "sales", QueryType: intent.QueryAggregate, Metric: "sales_amount"}
	first, err := eng.Execute(context.Background(), in)
	require.NoError(t, err)
	second, err := eng.Execute(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.Rows, second.Rows)
	assert.Equal(t, first.Template, second.Template)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Precondition Tests
// ==========================

func TestExecute_TemplatePreconditions(t *testing.T) {
	tests := []struct {
		name string
		in   *intent.Intent
	}{
		{
			name: "compare without dimension",
			in: &intent.Intent{
				Dataset:   "sales",
				QueryType: intent.QueryCompare,
				Metric:    "sales_amount",
				Filters:   map[string]string{"category": "Electronics,Kurta"},
			},
		},
		{
			name: "compare with single value",
			in: &intent.Intent{
				Dataset:    "sales",
				QueryType:  intent.QueryCompare,
				Metric:     "sales_amount",
				Dimensions: []string{"category"},
				Filters:    map[string]string{"category": "Electronics"},
			},
		},
		{
			name: "trend without time dimension",
			in: &intent.Intent{
				Dataset:    "sales",
				QueryType:  intent.QueryTrend,
				Metric:     "sales_amount",
				Dimensions: []string{"category"},
			},
		},
		{
			name: "top_n without dimension",
			in: &intent.Intent{
				Dataset:   "sales",
				QueryType: intent.QueryTopN,
				Metric:    "sales_amount",
				TopNCount: 5,
			},
		},
	}

	eng, _ := newTestEngine(t, time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Execute(context.Background(), tt.in)
			require.Error(t, err)

			pe, ok := AsPrecondition(err)
			require.True(t, ok, "expected precondition error, got %v", err)
			assert.NotEmpty(t, pe.Reason)
		})
	}
}

// ==========================
// Failure Mode Tests
// ==========================

func TestExecute_QueryError(t *testing.T) {
	eng, mock := newTestEngine(t, time.Second)

	mock.ExpectQuery("SELECT").WillReturnError(errors.New("relation does not exist"))

	_, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:   "sales",
		QueryType: intent.QueryAggregate,
		Metric:    "sales_amount",
	})
	require.Error(t, err)

	var se *pipeerrors.StandardError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeerrors.ErrCodeQueryExecutionFailed, se.Code)
	assert.False(t, se.Retryable)
}

func TestExecute_Timeout(t *testing.T) {
	eng, mock := newTestEngine(t, 10*time.Millisecond)

	mock.ExpectQuery("SELECT").WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"sales_amount"}).AddRow(1.0))

	_, err := eng.Execute(context.Background(), &intent.Intent{
		Dataset:   "sales",
		QueryType: intent.QueryAggregate,
		Metric:    "sales_amount",
	})
	require.Error(t, err)

	var se *pipeerrors.StandardError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeerrors.ErrCodeQueryTimeout, se.Code)
}

func TestExecute_CancelledContext(t *testing.T) {
	eng, _ := newTestEngine(t, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Execute(ctx, &intent.Intent{
		Dataset:   "sales",
		QueryType: intent.QueryAggregate,
		Metric:    "sales_amount",
	})
	assert.ErrorIs(t, err, context.Canceled)
}

// ==========================
// SQL Structure Tests
// ==========================

func TestBind_FiltersOnlyNarrowByConjunction(t *testing.T) {
	eng, _ := newTestEngine(t, time.Second)
	ds, ok := eng.cat.Dataset("sales")
	require.True(t, ok)

	base := &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryAggregate,
		Metric:     "sales_amount",
		Dimensions: []string{"category"},
	}
	filtered := &intent.Intent{
		Dataset:    "sales",
		QueryType:  intent.QueryAggregate,
		Metric:     "sales_amount",
		Dimensions: []string{"category"},
		Filters:    map[string]string{"category": "Electronics", "year": "2022..2023"},
	}

	unfiltered, err := eng.bind(ds, base)
	require.NoError(t, err)
	withFilters, err := eng.bind(ds, filtered)
	require.NoError(t, err)

	// The filtered statement is the unfiltered statement with a WHERE of
	// purely conjunctive predicates spliced in. Each conjunct can only remove
	// rows, so a filtered result never has more rows than its unfiltered
	// counterpart.
	idx := strings.Index(unfiltered.sql, " GROUP BY ")
	require.Greater(t, idx, 0)
	prefix, suffix := unfiltered.sql[:idx], unfiltered.sql[idx:]
	require.NotContains(t, unfiltered.sql, " WHERE ")
	require.True(t, strings.HasPrefix(withFilters.sql, prefix+" WHERE "))
	require.True(t, strings.HasSuffix(withFilters.sql, suffix))

	predicates := strings.TrimSuffix(strings.TrimPrefix(withFilters.sql, prefix+" WHERE "), suffix)
	assert.Equal(t, "category = $1 AND year BETWEEN $2 AND $3", predicates)
	assert.Equal(t, []interface{}{"Electronics", int64(2022), int64(2023)}, withFilters.args)
	assert.Empty(t, unfiltered.args)
}
