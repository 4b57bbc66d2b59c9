package pipeline

import (
	"context"

	"retail-insights/internal/intent"
)

// MetricSummary is one metric's dataset-wide aggregate.
type MetricSummary struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Null   bool    `json:"null,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// DatasetSummary is the headline battery for one governed dataset: every
// catalog metric aggregated over the whole view, no filters.
type DatasetSummary struct {
	Dataset string          `json:"dataset"`
	Metrics []MetricSummary `json:"metrics"`
}

// Summarize runs the headline battery for a dataset. Each metric runs as an
// independent aggregate; one failing metric does not sink the battery.
func (o *Orchestrator) Summarize(ctx context.Context, dataset string) (*DatasetSummary, bool) {
	ds, ok := o.cat.Dataset(dataset)
	if !ok {
		return nil, false
	}

	summary := &DatasetSummary{Dataset: string(ds.Name)}
	for _, name := range ds.MetricNames() {
		in := &intent.Intent{
			Dataset:    string(ds.Name),
			QueryType:  intent.QueryAggregate,
			Metric:     name,
			Confidence: 1,
		}

		ms := MetricSummary{Metric: name}
		result, err := o.executor.Execute(ctx, in)
		switch {
		case err != nil:
			o.logger.WithError(err).Warn("summary metric failed", map[string]interface{}{
				"dataset": summary.Dataset,
				"metric":  name,
			})
			ms.Error = "unavailable"
		case result.RowCount == 0:
			ms.Null = true
		default:
			ms.Value = result.Rows[0].Value
			ms.Null = result.Rows[0].Null
		}
		summary.Metrics = append(summary.Metrics, ms)
	}
	return summary, true
}
