// Package errors provides standardized error handling for the query pipeline.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeMalformedIntent        ErrorCode = "MALFORMED_INTENT"
	ErrCodeValidationRejected     ErrorCode = "VALIDATION_REJECTED"
	ErrCodeClarificationRequested ErrorCode = "CLARIFICATION_REQUESTED"

	ErrCodeCatalogLoadFailed ErrorCode = "CATALOG_LOAD_FAILED"

	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout             ErrorCode = "QUERY_TIMEOUT"
	ErrCodeUnsupportedQueryType     ErrorCode = "UNSUPPORTED_QUERY_TYPE"

	ErrCodeIntentResolutionFailed ErrorCode = "INTENT_RESOLUTION_FAILED"
	ErrCodeIntentAPITimeout       ErrorCode = "INTENT_API_TIMEOUT"
	ErrCodeNarrationFailed        ErrorCode = "NARRATION_FAILED"
	ErrCodeNarrationTimeout       ErrorCode = "NARRATION_TIMEOUT"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// UserMessage returns the message safe to surface to an end user. Internal
// detail stays in Details for operator logs.
func (e *StandardError) UserMessage() string {
	switch e.Code {
	case ErrCodeMalformedIntent:
		return "I could not understand that question. Please try rephrasing it."
	case ErrCodeQueryExecutionFailed, ErrCodeQueryTimeout, ErrCodeUnsupportedQueryType:
		return "Could not complete this query. Please try again later."
	case ErrCodeIntentResolutionFailed, ErrCodeIntentAPITimeout:
		return "I could not interpret your question right now. Please try again."
	default:
		return e.Message
	}
}

// NewMalformedIntentError creates a non-retryable bad-input error. Resending
// the same malformed shape would fail identically, so it is terminal.
func NewMalformedIntentError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeMalformedIntent,
		Message:   "Intent payload does not match the expected schema",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewCatalogLoadFailedError creates a non-retryable startup error.
func NewCatalogLoadFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeCatalogLoadFailed,
		Message:   "Catalog descriptors failed to load",
		Details:   err.Error(),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewDatabaseConnectionFailedError creates a retryable connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeDatabaseConnectionFailed,
		Message:   "Database connection error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryExecutionFailedError creates a non-retryable query execution error.
// Templates are deterministic, so a retry would reproduce the same failure.
func NewQueryExecutionFailedError(template string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryExecutionFailed,
		Message:   "Governed view query failed",
		Details:   fmt.Sprintf("template: %s, error: %s", template, err.Error()),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewQueryTimeoutError creates a non-retryable query timeout error. A timeout
// on a read-only aggregate signals a capacity problem, not a transient race.
func NewQueryTimeoutError(template string) *StandardError {
	return &StandardError{
		Code:      ErrCodeQueryTimeout,
		Message:   "Governed view query timeout",
		Details:   fmt.Sprintf("template: %s", template),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewUnsupportedQueryTypeError creates a non-retryable internal invariant
// error. The firewall validates query types, so reaching this is a defect.
func NewUnsupportedQueryTypeError(queryType string) *StandardError {
	return &StandardError{
		Code:      ErrCodeUnsupportedQueryType,
		Message:   "Query type matches no template",
		Details:   fmt.Sprintf("queryType: %s", queryType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewIntentResolutionFailedError creates a retryable resolver API error.
func NewIntentResolutionFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeIntentResolutionFailed,
		Message:   "Intent resolution API error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewIntentAPITimeoutError creates a retryable resolver timeout error.
func NewIntentAPITimeoutError() *StandardError {
	return &StandardError{
		Code:      ErrCodeIntentAPITimeout,
		Message:   "Intent resolution API timeout",
		Details:   "API call exceeded timeout threshold",
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNarrationFailedError creates a retryable narration API error.
func NewNarrationFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNarrationFailed,
		Message:   "Narration API error",
		Details:   err.Error(),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNarrationTimeoutError creates a retryable narration timeout error.
func NewNarrationTimeoutError() *StandardError {
	return &StandardError{
		Code:      ErrCodeNarrationTimeout,
		Message:   "Narration API timeout",
		Details:   "API call exceeded timeout threshold",
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// GetRetryCount returns the recommended retry count per error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeIntentResolutionFailed, ErrCodeNarrationFailed,
		ErrCodeDatabaseConnectionFailed:
		return 3

	case ErrCodeIntentAPITimeout, ErrCodeNarrationTimeout:
		return 2

	default:
		// Governance decisions and deterministic query failures: no retry.
		return 0
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "INTENT") || strings.Contains(codeStr, "NARRATION"):
		return "AI"
	case strings.Contains(codeStr, "QUERY") || strings.Contains(codeStr, "DATABASE"):
		return "DATABASE"
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "CLARIFICATION"):
		return "GOVERNANCE"
	case strings.Contains(codeStr, "CATALOG"):
		return "CATALOG"
	default:
		return "OTHER"
	}
}
