// Package pipeline chains the stages of one question turn: resolve, normalize,
// validate, execute, sanity-check, narrate. The orchestrator owns all stage
// transitions and is the only component that decides terminal outcomes.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"retail-insights/internal/catalog"
	pipeerrors "retail-insights/internal/common/errors"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/common/metrics"
	"retail-insights/internal/engine"
	"retail-insights/internal/firewall"
	"retail-insights/internal/intent"
	"retail-insights/internal/llm"
	"retail-insights/internal/sanity"
)

// IntentResolver turns a user question into raw intent JSON.
type IntentResolver interface {
	Resolve(ctx context.Context, question, datasetHint string) (json.RawMessage, error)
}

// ResultNarrator phrases an executed result as prose.
type ResultNarrator interface {
	Narrate(ctx context.Context, req llm.NarrationRequest) (string, error)
}

// QueryExecutor runs an allowed intent against the governed views.
type QueryExecutor interface {
	Execute(ctx context.Context, in *intent.Intent) (*engine.QueryResult, error)
}

// StageRecorder receives stage transitions for metric export. The
// observability meter satisfies it.
type StageRecorder interface {
	RecordStage(ctx context.Context, stage string)
	RecordStageDuration(ctx context.Context, stage string, duration time.Duration)
}

// Orchestrator drives one turn through the pipeline state machine:
// RECEIVED -> NORMALIZED -> VALIDATED -> EXECUTED -> ANSWERED, with
// CLARIFYING and REJECTED as governed exits. No stage is ever skipped.
type Orchestrator struct {
	resolver IntentResolver
	narrator ResultNarrator
	executor QueryExecutor
	firewall *firewall.Firewall
	checker  *sanity.Checker
	cat      *catalog.Catalog
	cache    *AnswerCache
	stages   StageRecorder

	clarificationCap int
	logger           logger.Logger
}

type Options struct {
	Resolver IntentResolver
	Narrator ResultNarrator
	Executor QueryExecutor
	Firewall *firewall.Firewall
	Checker  *sanity.Checker
	Catalog  *catalog.Catalog
	// Cache may be nil; the pipeline works without an answer cache.
	Cache *AnswerCache
	// Stages may be nil; stage metrics are then not exported.
	Stages           StageRecorder
	ClarificationCap int
	Logger           logger.Logger
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		resolver:         opts.Resolver,
		narrator:         opts.Narrator,
		executor:         opts.Executor,
		firewall:         opts.Firewall,
		checker:          opts.Checker,
		cat:              opts.Catalog,
		cache:            opts.Cache,
		stages:           opts.Stages,
		clarificationCap: opts.ClarificationCap,
		logger:           opts.Logger,
	}
}

// Ask processes one turn. Every path out of the firewall, the engine, and the
// sanity checker ends in a payload the user can act on; raw errors never
// escape to the caller.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) *AnswerPayload {
	start := time.Now()
	requestID := uuid.New().String()
	log := o.logger.With(map[string]interface{}{"requestId": requestID})

	log.Info("pipeline turn received", map[string]interface{}{
		"stage":    string(StageReceived),
		"question": req.Question,
		"round":    req.ClarificationRound,
	})
	o.recordStage(ctx, StageReceived, 0)

	if o.cache != nil && req.ClarificationRound == 0 {
		if cached := o.cache.Get(ctx, req.Question, req.DatasetHint); cached != nil {
			log.Info("answer served from cache", map[string]interface{}{"cachedRequestId": cached.RequestID})
			cached.Duration = time.Since(start)
			return cached
		}
	}

	payload := o.run(ctx, requestID, req, log)
	payload.Duration = time.Since(start)

	switch payload.Status {
	case StatusAnswered:
		o.recordStage(ctx, StageAnswered, payload.Duration)
	case StatusClarification:
		o.recordStage(ctx, StageClarifying, payload.Duration)
	case StatusRejected:
		o.recordStage(ctx, StageRejected, payload.Duration)
	}

	reason := ""
	if payload.Verdict != nil {
		reason = payload.Verdict.ReasonCode
	}
	metrics.PipelineRequests.WithLabelValues(string(payload.Status), reason).Inc()
	metrics.PipelineDuration.WithLabelValues(string(payload.Status)).Observe(payload.Duration.Seconds())
	if payload.Status == StatusAnswered || payload.Status == StatusRejected {
		metrics.ClarificationRounds.Observe(float64(req.ClarificationRound))
	}

	if o.cache != nil {
		o.cache.Put(ctx, req.Question, req.DatasetHint, payload)
	}
	return payload
}

func (o *Orchestrator) run(ctx context.Context, requestID string, req AskRequest, log logger.Logger) *AnswerPayload {
	payload := &AnswerPayload{
		RequestID:          requestID,
		Question:           req.Question,
		ClarificationRound: req.ClarificationRound,
	}
	mark := time.Now()

	rawIntent, err := o.resolver.Resolve(ctx, req.Question, req.DatasetHint)
	if err != nil {
		return o.fail(payload, err, log)
	}

	in, err := intent.Normalize(rawIntent)
	if err != nil {
		// Malformed resolver output is terminal for the turn: the shape is
		// broken, not the user's phrasing.
		return o.fail(payload, err, log)
	}
	// An explicit dataset on the request pins the interpretation.
	if req.DatasetHint != "" {
		in.Dataset = strings.ToLower(strings.TrimSpace(req.DatasetHint))
	}
	payload.Intent = in
	log.Info("intent normalized", map[string]interface{}{
		"stage":     string(StageNormalized),
		"dataset":   in.Dataset,
		"queryType": string(in.QueryType),
		"metric":    in.Metric,
	})
	mark = o.markStage(ctx, StageNormalized, mark)

	verdict := o.firewall.Evaluate(in, o.cat)
	payload.Verdict = &verdict
	log.Info("firewall evaluated", map[string]interface{}{
		"stage":    string(StageValidated),
		"decision": string(verdict.Decision),
		"reason":   verdict.ReasonCode,
	})
	mark = o.markStage(ctx, StageValidated, mark)

	switch verdict.Decision {
	case firewall.Reject:
		return o.reject(payload, verdict.Message, log)
	case firewall.Clarify:
		return o.clarify(payload, verdict, log)
	}

	result, err := o.executor.Execute(ctx, in)
	if err != nil {
		if pe, ok := engine.AsPrecondition(err); ok {
			// Structurally incomplete for its template; ask rather than fail.
			v := firewall.Verdict{
				Decision:   firewall.Clarify,
				ReasonCode: firewall.ReasonTemplatePrecondition,
				Message:    pe.Reason,
			}
			payload.Verdict = &v
			return o.clarify(payload, v, log)
		}
		return o.fail(payload, err, log)
	}
	payload.Result = result
	log.Info("query executed", map[string]interface{}{
		"stage":    string(StageExecuted),
		"template": result.Template,
		"rowCount": result.RowCount,
	})
	mark = o.markStage(ctx, StageExecuted, mark)

	ds, _ := o.cat.Dataset(in.Dataset)
	flags := o.checker.Check(ds, result)
	payload.SanityFlags = flags

	for _, flag := range flags {
		switch flag.Name {
		case sanity.FlagEmptyResult:
			v := firewall.Verdict{
				Decision:   firewall.Clarify,
				ReasonCode: firewall.ReasonEmptyResult,
				Message:    flag.Message,
			}
			payload.Verdict = &v
			return o.clarify(payload, v, log)
		case sanity.FlagExcessiveRows:
			// Ship only the displayable prefix. RowCount and the flag keep
			// the narration honest about what was cut.
			if len(result.Rows) > ds.DisplayCap {
				result.Rows = result.Rows[:ds.DisplayCap]
			}
			result.Truncated = true
			log.Warn("result truncated to display cap", map[string]interface{}{
				"rowCount":   result.RowCount,
				"displayCap": ds.DisplayCap,
			})
		}
	}

	payload.Status = StatusAnswered
	payload.Narration = o.narrate(ctx, req.Question, payload, log)
	log.Info("pipeline turn answered", map[string]interface{}{"stage": string(StageAnswered)})
	return payload
}

// clarify converts a CLARIFY verdict into either a clarification prompt or,
// once the round cap is spent, a terminal rejection. The cap keeps a
// confused exchange from looping forever.
func (o *Orchestrator) clarify(payload *AnswerPayload, verdict firewall.Verdict, log logger.Logger) *AnswerPayload {
	if payload.ClarificationRound >= o.clarificationCap {
		v := firewall.Verdict{
			Decision:   firewall.Reject,
			ReasonCode: firewall.ReasonClarificationExhausted,
			Message:    "I could not pin down what you're asking after several attempts. Please rephrase the question from scratch.",
			Field:      verdict.Field,
		}
		payload.Verdict = &v
		return o.reject(payload, v.Message, log)
	}

	payload.Status = StatusClarification
	payload.ClarificationRound++
	payload.Narration = verdict.Message
	log.Info("pipeline turn needs clarification", map[string]interface{}{
		"stage":  string(StageClarifying),
		"reason": verdict.ReasonCode,
		"round":  payload.ClarificationRound,
	})
	return payload
}

func (o *Orchestrator) reject(payload *AnswerPayload, message string, log logger.Logger) *AnswerPayload {
	payload.Status = StatusRejected
	payload.Narration = message
	reason := ""
	if payload.Verdict != nil {
		reason = payload.Verdict.ReasonCode
	}
	log.Info("pipeline turn rejected", map[string]interface{}{
		"stage":  string(StageRejected),
		"reason": reason,
	})
	return payload
}

func (o *Orchestrator) fail(payload *AnswerPayload, err error, log logger.Logger) *AnswerPayload {
	payload.Status = StatusError

	var se *pipeerrors.StandardError
	if errors.As(err, &se) {
		payload.Narration = se.UserMessage()
		log.WithError(err).Error("pipeline turn failed", map[string]interface{}{
			"code":     string(se.Code),
			"category": pipeerrors.GetErrorCategory(se.Code),
		})
		return payload
	}

	payload.Narration = "Something went wrong answering that question. Please try again."
	log.WithError(err).Error("pipeline turn failed", map[string]interface{}{})
	return payload
}

func (o *Orchestrator) recordStage(ctx context.Context, stage Stage, d time.Duration) {
	if o.stages == nil {
		return
	}
	o.stages.RecordStage(ctx, string(stage))
	if d > 0 {
		o.stages.RecordStageDuration(ctx, string(stage), d)
	}
}

// markStage records the time spent reaching stage and starts the next span.
func (o *Orchestrator) markStage(ctx context.Context, stage Stage, since time.Time) time.Time {
	o.recordStage(ctx, stage, time.Since(since))
	return time.Now()
}

func (o *Orchestrator) narrate(ctx context.Context, question string, payload *AnswerPayload, log logger.Logger) string {
	req := llm.NarrationRequest{
		Question: question,
		Intent:   payload.Intent,
		Result:   payload.Result,
		Flags:    payload.SanityFlags,
	}

	if o.narrator != nil {
		text, err := o.narrator.Narrate(ctx, req)
		if err == nil {
			return text
		}
		log.WithError(err).Warn("narration degraded to fallback", map[string]interface{}{})
	}
	return llm.FallbackNarration(req)
}

// Datasets describes the governed datasets for discovery endpoints.
func (o *Orchestrator) Datasets() []DatasetInfo {
	names := o.cat.DatasetNames()
	out := make([]DatasetInfo, 0, len(names))
	for _, name := range names {
		ds, _ := o.cat.Dataset(name)
		out = append(out, DatasetInfo{
			Name:        string(ds.Name),
			Description: ds.Description,
			Metrics:     ds.MetricNames(),
			Dimensions:  ds.DimensionNames(),
		})
	}
	return out
}

// DatasetInfo is the discovery view of one governed dataset.
type DatasetInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Metrics     []string `json:"metrics"`
	Dimensions  []string `json:"dimensions"`
}
