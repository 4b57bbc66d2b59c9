// Package llm holds the clients for the two external language-model services:
// the intent resolver that turns a user question into structured intent JSON,
// and the narrator that phrases an executed result as prose. Both are
// best-effort dependencies; the pipeline degrades rather than fails when the
// narrator is down.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	pipeerrors "retail-insights/internal/common/errors"
	httpclient "retail-insights/internal/common/http"
	"retail-insights/internal/common/logger"
)

// Resolver calls the intent-resolution service. Its output is untrusted and
// always passes through the normalizer's schema check before use.
type Resolver struct {
	client     *httpclient.Client
	baseURL    string
	apiKey     string
	maxRetries int
	logger     logger.Logger
}

func NewResolver(baseURL, apiKey string, timeout time.Duration, maxRetries int, log logger.Logger) *Resolver {
	if maxRetries <= 0 {
		maxRetries = pipeerrors.GetRetryCount(pipeerrors.ErrCodeIntentResolutionFailed)
	}
	return &Resolver{
		client:     httpclient.NewClient(timeout),
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		logger:     log,
	}
}

type resolveRequest struct {
	Question    string `json:"question"`
	DatasetHint string `json:"dataset_hint,omitempty"`
}

// Resolve sends the user question to the resolver and returns the raw intent
// JSON. Transient failures retry with exponential backoff; the caller sees
// only the final classified error.
func (r *Resolver) Resolve(ctx context.Context, question, datasetHint string) (json.RawMessage, error) {
	body, err := json.Marshal(resolveRequest{Question: question, DatasetHint: datasetHint})
	if err != nil {
		return nil, pipeerrors.NewIntentResolutionFailedError(err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, pipeerrors.NewIntentAPITimeoutError()
			case <-time.After(backoff(attempt)):
			}
			r.logger.Warn("retrying intent resolution", map[string]interface{}{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
		}

		raw, err := r.call(ctx, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}

	if isTimeout(lastErr) {
		return nil, pipeerrors.NewIntentAPITimeoutError()
	}
	return nil, pipeerrors.NewIntentResolutionFailedError(lastErr)
}

func (r *Resolver) call(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequest(http.MethodPost, r.baseURL+"/v1/resolve", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, body: truncate(payload, 256)}
	}
	return json.RawMessage(payload), nil
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, e.body)
}

// isTransient reports whether an attempt is worth retrying: timeouts,
// connection failures, and 5xx responses. Client errors (4xx) repeat
// deterministically, so they end the loop.
func isTransient(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.status >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
