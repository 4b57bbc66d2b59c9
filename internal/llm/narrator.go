package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	pipeerrors "retail-insights/internal/common/errors"
	httpclient "retail-insights/internal/common/http"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/engine"
	"retail-insights/internal/intent"
	"retail-insights/internal/sanity"
)

// NarrationRequest carries everything the narrator may phrase. Only executed,
// sanity-checked results reach narration; the narrator never sees raw user
// text paired with raw data it could misattribute.
type NarrationRequest struct {
	Question string              `json:"question"`
	Intent   *intent.Intent      `json:"intent"`
	Result   *engine.QueryResult `json:"result"`
	Flags    []sanity.Flag       `json:"flags,omitempty"`
}

type narrateResponse struct {
	Narration string `json:"narration"`
}

// Narrator calls the narration service to phrase a result as prose.
type Narrator struct {
	client     *httpclient.Client
	baseURL    string
	apiKey     string
	maxRetries int
	logger     logger.Logger
}

func NewNarrator(baseURL, apiKey string, timeout time.Duration, maxRetries int, log logger.Logger) *Narrator {
	if maxRetries <= 0 {
		maxRetries = pipeerrors.GetRetryCount(pipeerrors.ErrCodeNarrationFailed)
	}
	return &Narrator{
		client:     httpclient.NewClient(timeout),
		baseURL:    baseURL,
		apiKey:     apiKey,
		maxRetries: maxRetries,
		logger:     log,
	}
}

// Narrate asks the service for prose. On any terminal failure the caller
// should fall back to FallbackNarration; a missing narrator never blocks an
// answer.
func (n *Narrator) Narrate(ctx context.Context, req NarrationRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", pipeerrors.NewNarrationFailedError(err)
	}

	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", pipeerrors.NewNarrationTimeoutError()
			case <-time.After(backoff(attempt)):
			}
			n.logger.Warn("retrying narration", map[string]interface{}{
				"attempt": attempt,
				"error":   lastErr.Error(),
			})
		}

		text, err := n.call(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}

	if isTimeout(lastErr) {
		return "", pipeerrors.NewNarrationTimeoutError()
	}
	return "", pipeerrors.NewNarrationFailedError(lastErr)
}

func (n *Narrator) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, n.baseURL+"/v1/narrate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.DoWithContext(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &httpStatusError{status: resp.StatusCode, body: truncate(payload, 256)}
	}

	var out narrateResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Narration) == "" {
		return "", fmt.Errorf("empty narration in response")
	}
	return out.Narration, nil
}

// FallbackNarration produces a deterministic plain-language answer from the
// result alone. Used when the narration service is unavailable, so the user
// still gets the numbers.
func FallbackNarration(req NarrationRequest) string {
	var sb strings.Builder

	switch {
	case req.Result == nil || req.Result.RowCount == 0:
		sb.WriteString("No data matched your question.")
	case req.Result.Comparison != nil:
		writeComparison(&sb, req)
	case len(req.Result.Rows) == 1 && len(req.Result.Rows[0].Labels) == 0:
		row := req.Result.Rows[0]
		if row.Null {
			fmt.Fprintf(&sb, "There is no recorded %s for that selection.", req.Intent.Metric)
		} else {
			fmt.Fprintf(&sb, "The %s for your selection is %s.", req.Intent.Metric, formatValue(row.Value))
		}
	default:
		writeRows(&sb, req)
	}

	for _, flag := range req.Flags {
		sb.WriteString(" Note: ")
		sb.WriteString(flag.Message)
	}
	if req.Result != nil && req.Result.Truncated {
		sb.WriteString(" The list was capped; ask for fewer items to see exact ranks.")
	}
	return sb.String()
}

func writeComparison(sb *strings.Builder, req NarrationRequest) {
	cmp := req.Result.Comparison
	fmt.Fprintf(sb, "%s leads with %s of %s.",
		cmp.BaseLabel, req.Intent.Metric, formatValue(cmp.BaseValue))
	for _, d := range cmp.Deltas {
		fmt.Fprintf(sb, " That is %s more than %s", formatValue(d.AbsoluteDelta), d.Label)
		if d.RelativeDelta != 0 {
			fmt.Fprintf(sb, " (%.1f%% higher)", d.RelativeDelta*100)
		}
		sb.WriteString(".")
	}
}

func writeRows(sb *strings.Builder, req NarrationRequest) {
	limit := len(req.Result.Rows)
	if limit > 5 {
		limit = 5
	}
	fmt.Fprintf(sb, "Top results by %s:", req.Intent.Metric)
	for i := 0; i < limit; i++ {
		row := req.Result.Rows[i]
		fmt.Fprintf(sb, " %s (%s)", rowLabel(row), formatValue(row.Value))
		if i < limit-1 {
			sb.WriteString(",")
		} else {
			sb.WriteString(".")
		}
	}
	if rest := req.Result.RowCount - limit; rest > 0 {
		fmt.Fprintf(sb, " %d more groups omitted.", rest)
	}
}

func rowLabel(row engine.Row) string {
	if len(row.Labels) == 0 {
		return "total"
	}
	keys := make([]string, 0, len(row.Labels))
	for k := range row.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, row.Labels[k])
	}
	return strings.Join(parts, " / ")
}

func formatValue(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}
