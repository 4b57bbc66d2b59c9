package pipeline

import (
	"time"

	"retail-insights/internal/engine"
	"retail-insights/internal/firewall"
	"retail-insights/internal/intent"
	"retail-insights/internal/sanity"
)

// Status is the terminal outcome of one pipeline turn.
type Status string

const (
	StatusAnswered      Status = "answered"
	StatusClarification Status = "clarification"
	StatusRejected      Status = "rejected"
	StatusError         Status = "error"
)

// Stage names the pipeline states a request moves through. Logged per
// transition so a rejected request can be audited to the rule that fired.
type Stage string

const (
	StageReceived   Stage = "RECEIVED"
	StageNormalized Stage = "NORMALIZED"
	StageValidated  Stage = "VALIDATED"
	StageExecuted   Stage = "EXECUTED"
	StageClarifying Stage = "CLARIFYING"
	StageRejected   Stage = "REJECTED"
	StageAnswered   Stage = "ANSWERED"
)

// AskRequest is one pipeline turn. ClarificationRound counts the clarify
// round-trips already spent on this question; the client echoes it back when
// answering a clarification prompt.
type AskRequest struct {
	Question           string `json:"question"`
	DatasetHint        string `json:"dataset_hint,omitempty"`
	ClarificationRound int    `json:"clarification_round,omitempty"`
}

// AnswerPayload is the full pipeline answer: the narration the user reads plus
// the structured intent, verdict, result, and flags that explain how the
// answer was produced.
type AnswerPayload struct {
	RequestID          string              `json:"request_id"`
	Status             Status              `json:"status"`
	Question           string              `json:"question"`
	Intent             *intent.Intent      `json:"intent,omitempty"`
	Verdict            *firewall.Verdict   `json:"verdict,omitempty"`
	Result             *engine.QueryResult `json:"result,omitempty"`
	SanityFlags        []sanity.Flag       `json:"sanity_flags,omitempty"`
	Narration          string              `json:"narration"`
	ClarificationRound int                 `json:"clarification_round,omitempty"`
	Cached             bool                `json:"cached,omitempty"`
	Duration           time.Duration       `json:"duration"`
}
