package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"retail-insights/internal/catalog"
	"retail-insights/internal/intent"
)

// boundQuery is a template with all parameters bound. The SQL text references
// only catalog-declared view and column identifiers; every value travels as a
// numbered placeholder argument, so free-form identifiers and unescaped
// values can never reach the database.
type boundQuery struct {
	sql        string
	args       []interface{}
	dims       []string
	template   string
	truncated  bool
	compareDim string
}

// Template names form a closed, versioned set. No template is synthesized at
// runtime.
const (
	templateAggregate = "aggregate_v1"
	templateCompare   = "compare_v1"
	templateTrend     = "trend_v1"
	templateTopN      = "top_n_v1"
)

func (e *Engine) bind(ds *catalog.Dataset, in *intent.Intent) (*boundQuery, error) {
	switch in.QueryType {
	case intent.QueryAggregate:
		return e.bindAggregate(ds, in)
	case intent.QueryCompare:
		return e.bindCompare(ds, in)
	case intent.QueryTrend:
		return e.bindTrend(ds, in)
	case intent.QueryTopN:
		return e.bindTopN(ds, in)
	default:
		return nil, errUnsupportedType
	}
}

// bindAggregate: single metric, optional group-by dimensions, optional
// filters; ordered by metric value descending.
func (e *Engine) bindAggregate(ds *catalog.Dataset, in *intent.Intent) (*boundQuery, error) {
	q := &boundQuery{template: templateAggregate, dims: in.Dimensions}
	sql, args, err := e.assemble(ds, in, in.Dimensions, orderByMetricDesc, 0)
	if err != nil {
		return nil, err
	}
	q.sql, q.args = sql, args
	return q, nil
}

// bindCompare: exactly one dimension split into two or more compared values.
func (e *Engine) bindCompare(ds *catalog.Dataset, in *intent.Intent) (*boundQuery, error) {
	if len(in.Dimensions) != 1 {
		return nil, preconditionError("a comparison needs exactly one dimension to compare across")
	}
	dim := in.Dimensions[0]
	fv := intent.ParseFilterValue(in.Filters[dim])
	if in.Filters[dim] == "" || len(fv.Values) < 2 {
		return nil, preconditionError(fmt.Sprintf("a comparison needs at least two values of %q to compare", dim))
	}

	q := &boundQuery{template: templateCompare, dims: in.Dimensions, compareDim: dim}
	sql, args, err := e.assemble(ds, in, in.Dimensions, orderByMetricDesc, 0)
	if err != nil {
		return nil, err
	}
	q.sql, q.args = sql, args
	return q, nil
}

// bindTrend: requires a time dimension in the group-by; rows come back
// chronologically ordered, not value-ordered.
func (e *Engine) bindTrend(ds *catalog.Dataset, in *intent.Intent) (*boundQuery, error) {
	hasTime := false
	for _, name := range in.Dimensions {
		if dim, ok := ds.Dimension(name); ok && dim.IsTime() {
			hasTime = true
			break
		}
	}
	if !hasTime {
		return nil, preconditionError("a trend needs a time dimension (month, quarter, or year) to order by")
	}

	q := &boundQuery{template: templateTrend, dims: in.Dimensions}
	sql, args, err := e.assemble(ds, in, in.Dimensions, orderByTimeAsc, 0)
	if err != nil {
		return nil, err
	}
	q.sql, q.args = sql, args
	return q, nil
}

// bindTopN: LIMIT min(requested, cap). Requests above the cap are satisfied
// at the cap and flagged truncated, never silently dropped and never
// rejected.
func (e *Engine) bindTopN(ds *catalog.Dataset, in *intent.Intent) (*boundQuery, error) {
	if len(in.Dimensions) == 0 {
		return nil, preconditionError("a top-n query needs a dimension to rank")
	}

	limit := in.TopNCount
	truncated := false
	if limit <= 0 {
		limit = e.topNCap
	} else if limit > e.topNCap {
		limit = e.topNCap
		truncated = true
	}

	q := &boundQuery{template: templateTopN, dims: in.Dimensions, truncated: truncated}
	sql, args, err := e.assemble(ds, in, in.Dimensions, orderByMetricDesc, limit)
	if err != nil {
		return nil, err
	}
	q.sql, q.args = sql, args
	return q, nil
}

type ordering int

const (
	orderByMetricDesc ordering = iota
	orderByTimeAsc
)

// assemble renders the shared SELECT/WHERE/GROUP BY skeleton. Identifiers
// come exclusively from the catalog entries already validated against the
// dataset; values bind via $n placeholders.
func (e *Engine) assemble(ds *catalog.Dataset, in *intent.Intent, dims []string, order ordering, limit int) (string, []interface{}, error) {
	metric, ok := ds.Metric(in.Metric)
	if !ok {
		return "", nil, preconditionError(fmt.Sprintf("metric %q is not declared for dataset %q", in.Metric, ds.Name))
	}

	selectParts := make([]string, 0, len(dims)+1)
	groupParts := make([]string, 0, len(dims))
	for _, name := range dims {
		dim, ok := ds.Dimension(name)
		if !ok {
			return "", nil, preconditionError(fmt.Sprintf("dimension %q is not declared for dataset %q", name, ds.Name))
		}
		selectParts = append(selectParts, fmt.Sprintf("%s AS %s", dim.SourceColumn, dim.Name))
		groupParts = append(groupParts, dim.SourceColumn)
	}
	selectParts = append(selectParts, fmt.Sprintf("%s AS %s", renderAggregate(metric.Aggregation, metric.SourceColumn), metric.Name))

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selectParts, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(ds.SourceView)

	args := make([]interface{}, 0, len(in.Filters)*2)
	whereParts := make([]string, 0, len(in.Filters))
	for _, key := range sortedKeys(in.Filters) {
		dim, ok := ds.Dimension(key)
		if !ok {
			return "", nil, preconditionError(fmt.Sprintf("filter dimension %q is not declared for dataset %q", key, ds.Name))
		}
		clause, clauseArgs := bindFilter(dim.SourceColumn, intent.ParseFilterValue(in.Filters[key]), len(args)+1)
		whereParts = append(whereParts, clause)
		args = append(args, clauseArgs...)
	}
	if len(whereParts) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(whereParts, " AND "))
	}

	if len(groupParts) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(groupParts, ", "))
	}

	switch order {
	case orderByTimeAsc:
		orderParts := make([]string, 0, len(dims))
		for _, name := range dims {
			if dim, ok := ds.Dimension(name); ok && dim.IsTime() {
				orderParts = append(orderParts, dim.SourceColumn+" ASC")
			}
		}
		for _, name := range dims {
			if dim, ok := ds.Dimension(name); ok && !dim.IsTime() {
				orderParts = append(orderParts, dim.SourceColumn+" ASC")
			}
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(orderParts, ", "))
	default:
		sb.WriteString(" ORDER BY ")
		sb.WriteString(in.Metric)
		sb.WriteString(" DESC")
	}

	if limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(limit))
	}

	return sb.String(), args, nil
}

func renderAggregate(agg, column string) string {
	switch agg {
	case catalog.AggSum:
		return fmt.Sprintf("SUM(%s)", column)
	case catalog.AggCount:
		return fmt.Sprintf("COUNT(%s)", column)
	case catalog.AggAvg:
		return fmt.Sprintf("AVG(%s)", column)
	case catalog.AggCountDistinct:
		return fmt.Sprintf("COUNT(DISTINCT %s)", column)
	default:
		// Unreachable: the catalog loader rejects unknown aggregations.
		return fmt.Sprintf("SUM(%s)", column)
	}
}

func bindFilter(column string, fv intent.FilterValue, firstPlaceholder int) (string, []interface{}) {
	if fv.IsRange() {
		return fmt.Sprintf("%s BETWEEN $%d AND $%d", column, firstPlaceholder, firstPlaceholder+1),
			[]interface{}{bindValue(fv.Range[0]), bindValue(fv.Range[1])}
	}

	if len(fv.Values) == 1 {
		return fmt.Sprintf("%s = $%d", column, firstPlaceholder),
			[]interface{}{bindValue(fv.Values[0])}
	}

	placeholders := make([]string, len(fv.Values))
	args := make([]interface{}, len(fv.Values))
	for i, v := range fv.Values {
		placeholders[i] = "$" + strconv.Itoa(firstPlaceholder+i)
		args[i] = bindValue(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), args
}

// bindValue converts numeric-looking filter values so integer view columns
// (year, month) compare without casts. Everything else binds as text.
func bindValue(s string) interface{} {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
