package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_requests_total",
			Help: "Total number of pipeline requests by terminal decision",
		},
		[]string{"decision", "reason_code"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_request_duration_seconds",
			Help: "End-to-end duration of pipeline requests in seconds",
		},
		[]string{"decision"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pipeline_query_duration_seconds",
			Help: "Duration of governed view queries in seconds",
		},
		[]string{"template", "dataset"},
	)

	ClarificationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_clarification_rounds",
			Help:    "Clarification round-trips used per user question",
			Buckets: []float64{0, 1, 2, 3},
		},
	)

	AnswerCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_answer_cache_total",
			Help: "Answer cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	SanityFlags = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_sanity_flags_total",
			Help: "Sanity flags raised on executed results",
		},
		[]string{"flag", "dataset"},
	)
)
