// Package firewall decides whether a normalized intent may reach the query
// engine. Evaluation is a pure function over the intent and the catalog:
// no I/O, deterministic, replayable for audit logging by the caller.
package firewall

import (
	"fmt"
	"sort"
	"strings"

	"retail-insights/internal/catalog"
	"retail-insights/internal/intent"
)

// Decision is the firewall outcome for one intent.
type Decision string

const (
	Allow   Decision = "ALLOW"
	Clarify Decision = "CLARIFY"
	Reject  Decision = "REJECT"
)

// Reason codes carried on non-ALLOW verdicts.
const (
	ReasonUnknownDataset         = "unknown_dataset"
	ReasonUnknownMetric          = "unknown_metric"
	ReasonUnknownDimension       = "unknown_dimension"
	ReasonInvalidFilterValue     = "invalid_filter_value"
	ReasonGrainViolation         = "grain_violation"
	ReasonLowConfidence          = "low_confidence"
	ReasonEmptyResult            = "empty_result"
	ReasonTemplatePrecondition   = "template_precondition"
	ReasonClarificationExhausted = "clarification_exhausted"
)

// Verdict is the firewall decision plus a machine-readable reason. Produced
// once per intent and never mutated.
type Verdict struct {
	Decision   Decision `json:"decision"`
	ReasonCode string   `json:"reason_code,omitempty"`
	Message    string   `json:"message,omitempty"`
	// Field names the offending or ambiguous intent field, so a
	// clarification question can name it.
	Field string `json:"field,omitempty"`
}

// Allowed reports whether the verdict permits query execution.
func (v Verdict) Allowed() bool {
	return v.Decision == Allow
}

// Firewall evaluates intents against the catalog. Stateless apart from the
// configured confidence threshold.
type Firewall struct {
	confidenceThreshold float64
}

func New(confidenceThreshold float64) *Firewall {
	return &Firewall{confidenceThreshold: confidenceThreshold}
}

// Evaluate applies the governance rules in fixed priority order; the first
// failing rule wins so every rejection has one deterministic, explainable
// reason.
func (f *Firewall) Evaluate(in *intent.Intent, cat *catalog.Catalog) Verdict {
	// 1. Dataset must be a governed dataset.
	ds, ok := cat.Dataset(in.Dataset)
	if !ok {
		return Verdict{
			Decision:   Reject,
			ReasonCode: ReasonUnknownDataset,
			Message:    fmt.Sprintf("Dataset %q is not available. Known datasets: %s.", in.Dataset, strings.Join(cat.DatasetNames(), ", ")),
			Field:      "dataset",
		}
	}

	// 2. Metric must exist in the catalog for the dataset.
	metric, ok := ds.Metric(in.Metric)
	if !ok {
		return Verdict{
			Decision:   Reject,
			ReasonCode: ReasonUnknownMetric,
			Message:    fmt.Sprintf("Metric %q is not available for dataset %q. Available metrics: %s.", in.Metric, in.Dataset, strings.Join(ds.MetricNames(), ", ")),
			Field:      "metric",
		}
	}

	// 3. Every named dimension must exist, whether grouped or filtered on.
	for _, dim := range in.Dimensions {
		if _, ok := ds.Dimension(dim); !ok {
			return Verdict{
				Decision:   Reject,
				ReasonCode: ReasonUnknownDimension,
				Message:    fmt.Sprintf("Dimension %q is not available for dataset %q. Available dimensions: %s.", dim, in.Dataset, strings.Join(ds.DimensionNames(), ", ")),
				Field:      "dimensions",
			}
		}
	}
	for _, key := range sortedFilterKeys(in.Filters) {
		if _, ok := ds.Dimension(key); !ok {
			return Verdict{
				Decision:   Reject,
				ReasonCode: ReasonUnknownDimension,
				Message:    fmt.Sprintf("Filter dimension %q is not available for dataset %q.", key, in.Dataset),
				Field:      "filters",
			}
		}
	}

	// 4. Every filter value must satisfy its dimension's rule.
	for _, key := range sortedFilterKeys(in.Filters) {
		dim, _ := ds.Dimension(key)
		fv := intent.ParseFilterValue(in.Filters[key])
		for _, part := range fv.Parts() {
			if !dim.ValidValue(part) {
				return Verdict{
					Decision:   Reject,
					ReasonCode: ReasonInvalidFilterValue,
					Message:    fmt.Sprintf("Value %q is not valid for dimension %q.", part, key),
					Field:      "filters",
				}
			}
		}
	}

	// 5. The metric's grain must permit its aggregation.
	if !metric.AllowsAggregation(metric.Aggregation) {
		return Verdict{
			Decision:   Reject,
			ReasonCode: ReasonGrainViolation,
			Message:    fmt.Sprintf("Aggregation %q is not permitted for metric %q (grain: %s).", metric.Aggregation, metric.Name, metric.Grain),
			Field:      "metric",
		}
	}

	// 6. Structurally valid but uncertain interpretations get a
	// clarification, carrying the best-guess intent for the follow-up turn.
	if in.Confidence < f.confidenceThreshold {
		return Verdict{
			Decision:   Clarify,
			ReasonCode: ReasonLowConfidence,
			Message:    fmt.Sprintf("I'm not confident I understood the question (confidence %.2f). Did you mean %s of %q for dataset %q?", in.Confidence, in.QueryType, in.Metric, in.Dataset),
			Field:      "confidence",
		}
	}

	return Verdict{Decision: Allow}
}

// sortedFilterKeys keeps rule evaluation deterministic across map iteration
// order.
func sortedFilterKeys(filters map[string]string) []string {
	if len(filters) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
