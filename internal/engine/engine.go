// Package engine maps allowed intents onto a closed set of parameterized
// query templates and executes them against the governed views. It never
// synthesizes SQL from user text: every identifier comes from the catalog and
// every value binds as a placeholder.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"retail-insights/internal/catalog"
	pipeerrors "retail-insights/internal/common/errors"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/common/metrics"
	"retail-insights/internal/intent"
)

// errUnsupportedType guards the template dispatch. The normalizer's schema
// enum makes this unreachable for payloads that passed normalization.
var errUnsupportedType = errors.New("engine: query type matches no template")

// PreconditionError reports an intent that passed the firewall but lacks the
// structure its template requires (e.g. a compare with one value). The
// orchestrator turns these into clarification prompts rather than failures.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "engine: template precondition: " + e.Reason
}

func preconditionError(reason string) error {
	return &PreconditionError{Reason: reason}
}

// AsPrecondition unwraps a template precondition error, if err is one.
func AsPrecondition(err error) (*PreconditionError, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Engine executes query templates against the governed views.
type Engine struct {
	db           *sql.DB
	cat          *catalog.Catalog
	topNCap      int
	queryTimeout time.Duration
	logger       logger.Logger
}

func New(db *sql.DB, cat *catalog.Catalog, topNCap int, queryTimeout time.Duration, log logger.Logger) *Engine {
	return &Engine{
		db:           db,
		cat:          cat,
		topNCap:      topNCap,
		queryTimeout: queryTimeout,
		logger:       log,
	}
}

// Execute binds the intent to its template and runs it. Identical intents
// against unchanged data produce identical results; the engine holds no
// per-request state.
func (e *Engine) Execute(ctx context.Context, in *intent.Intent) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds, ok := e.cat.Dataset(in.Dataset)
	if !ok {
		// The firewall resolves the dataset before execution; reaching this
		// means the caller skipped it.
		return nil, pipeerrors.NewUnsupportedQueryTypeError(fmt.Sprintf("dataset %q not in catalog", in.Dataset))
	}

	q, err := e.bind(ds, in)
	if err != nil {
		if errors.Is(err, errUnsupportedType) {
			return nil, pipeerrors.NewUnsupportedQueryTypeError(string(in.QueryType))
		}
		return nil, err
	}

	e.logger.Debug("executing query template", map[string]interface{}{
		"template": q.template,
		"dataset":  in.Dataset,
		"sql":      q.sql,
		"argCount": len(q.args),
	})

	queryCtx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	start := time.Now()
	rows, err := e.db.QueryContext(queryCtx, q.sql, q.args...)
	if err != nil {
		if queryCtx.Err() == context.DeadlineExceeded {
			return nil, pipeerrors.NewQueryTimeoutError(q.template)
		}
		return nil, pipeerrors.NewQueryExecutionFailedError(q.template, err)
	}
	defer rows.Close()

	result, err := e.scan(rows, q, in)
	if err != nil {
		if queryCtx.Err() == context.DeadlineExceeded {
			return nil, pipeerrors.NewQueryTimeoutError(q.template)
		}
		return nil, pipeerrors.NewQueryExecutionFailedError(q.template, err)
	}
	result.Duration = time.Since(start)

	metrics.QueryDuration.WithLabelValues(q.template, in.Dataset).Observe(result.Duration.Seconds())

	e.logger.Info("query template executed", map[string]interface{}{
		"template":  q.template,
		"dataset":   in.Dataset,
		"rowCount":  result.RowCount,
		"truncated": result.Truncated,
		"duration":  result.Duration.String(),
	})

	return result, nil
}

// scan reads the result set into typed rows. Group-by labels scan as
// sql.NullString so integer view columns (year, month) come through as their
// text form; the metric value scans as sql.NullFloat64 because NULL
// aggregates are legitimate data, not errors.
func (e *Engine) scan(rows *sql.Rows, q *boundQuery, in *intent.Intent) (*QueryResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &QueryResult{
		Rows:      []Row{},
		Columns:   columns,
		Truncated: q.truncated,
		Template:  q.template,
	}

	dimCount := len(q.dims)
	for rows.Next() {
		labels := make([]sql.NullString, dimCount)
		var value sql.NullFloat64

		dest := make([]interface{}, 0, dimCount+1)
		for i := range labels {
			dest = append(dest, &labels[i])
		}
		dest = append(dest, &value)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		row := Row{Value: value.Float64, Null: !value.Valid}
		if dimCount > 0 {
			row.Labels = make(map[string]string, dimCount)
			for i, name := range q.dims {
				row.Labels[name] = labels[i].String
			}
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = len(result.Rows)

	if q.compareDim != "" && result.RowCount >= 2 {
		result.Comparison = buildComparison(q.compareDim, result.Rows)
	}

	return result, nil
}

// buildComparison takes the value-ordered compare rows and expresses every
// other group as a delta against the leading group.
func buildComparison(dim string, rows []Row) *Comparison {
	base := rows[0]
	cmp := &Comparison{
		Dimension: dim,
		BaseLabel: base.Labels[dim],
		BaseValue: base.Value,
		Deltas:    make([]Delta, 0, len(rows)-1),
	}
	for _, row := range rows[1:] {
		d := Delta{
			Label:         row.Labels[dim],
			AbsoluteDelta: base.Value - row.Value,
		}
		if row.Value != 0 {
			d.RelativeDelta = (base.Value - row.Value) / row.Value
		}
		cmp.Deltas = append(cmp.Deltas, d)
	}
	return cmp
}
