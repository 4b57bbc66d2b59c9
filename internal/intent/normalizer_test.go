package intent

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "retail-insights/internal/common/errors"
)

// ==========================
// Normalize Tests
// ==========================

func TestNormalize_ValidIntent(t *testing.T) {
	raw := json.RawMessage(`{
		"dataset": "Sales",
		"query_type": "compare",
		"metric": " Sales_Amount ",
		"dimensions": ["Category"],
		"filters": {"Category": "Electronics,Kurta"},
		"confidence": 0.93
	}`)

	in, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, "sales", in.Dataset)
	assert.Equal(t, QueryCompare, in.QueryType)
	assert.Equal(t, "sales_amount", in.Metric)
	assert.Equal(t, []string{"category"}, in.Dimensions)
	// Filter values stay verbatim; only keys are canonicalized.
	assert.Equal(t, "Electronics,Kurta", in.Filters["category"])
	assert.InDelta(t, 0.93, in.Confidence, 1e-9)
}

func TestNormalize_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty payload", raw: ""},
		{name: "invalid json", raw: `{"dataset": `},
		{name: "missing dataset", raw: `{"query_type":"aggregate","metric":"sales_amount"}`},
		{name: "missing metric", raw: `{"dataset":"sales","query_type":"aggregate"}`},
		{name: "unknown query type", raw: `{"dataset":"sales","query_type":"forecast","metric":"sales_amount"}`},
		{name: "numeric metric", raw: `{"dataset":"sales","query_type":"aggregate","metric":42}`},
		{name: "non-string filter value", raw: `{"dataset":"sales","query_type":"aggregate","metric":"sales_amount","filters":{"year":2022}}`},
		{name: "fractional top_n_count", raw: `{"dataset":"sales","query_type":"top_n","metric":"sales_amount","top_n_count":2.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize(json.RawMessage(tt.raw))
			require.Error(t, err)

			var se *pipeerrors.StandardError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, pipeerrors.ErrCodeMalformedIntent, se.Code)
			assert.False(t, se.Retryable)
		})
	}
}

func TestNormalize_ConflictingFilterKeys(t *testing.T) {
	// "Year" and "year" name the same dimension; keeping either one would
	// silently drop the other filter.
	raw := json.RawMessage(`{
		"dataset": "sales",
		"query_type": "aggregate",
		"metric": "sales_amount",
		"filters": {"Year": "2021", "year": "2022"}
	}`)

	_, err := Normalize(raw)
	require.Error(t, err)

	var se *pipeerrors.StandardError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, pipeerrors.ErrCodeMalformedIntent, se.Code)
	assert.Contains(t, se.Details, "year")
}

func TestNormalize_ConfidenceDefaults(t *testing.T) {
	// Missing confidence means maximally uncertain.
	in, err := Normalize(json.RawMessage(`{"dataset":"sales","query_type":"aggregate","metric":"sales_amount"}`))
	require.NoError(t, err)
	assert.Equal(t, 0.0, in.Confidence)

	// Out-of-range values clamp instead of failing.
	in, err = Normalize(json.RawMessage(`{"dataset":"sales","query_type":"aggregate","metric":"sales_amount","confidence":3.7}`))
	require.NoError(t, err)
	assert.Equal(t, 1.0, in.Confidence)

	in, err = Normalize(json.RawMessage(`{"dataset":"sales","query_type":"aggregate","metric":"sales_amount","confidence":-1}`))
	require.NoError(t, err)
	assert.Equal(t, 0.0, in.Confidence)
}

func TestNormalize_TopNCount(t *testing.T) {
	in, err := Normalize(json.RawMessage(`{"dataset":"sales","query_type":"top_n","metric":"sales_amount","top_n_count":10}`))
	require.NoError(t, err)
	assert.Equal(t, 10, in.TopNCount)

	// Null and non-positive counts fall back to the engine default.
	in, err = Normalize(json.RawMessage(`{"dataset":"sales","query_type":"top_n","metric":"sales_amount","top_n_count":null}`))
	require.NoError(t, err)
	assert.Equal(t, 0, in.TopNCount)

	in, err = Normalize(json.RawMessage(`{"dataset":"sales","query_type":"top_n","metric":"sales_amount","top_n_count":-5}`))
	require.NoError(t, err)
	assert.Equal(t, 0, in.TopNCount)
}

func TestNormalize_Deterministic(t *testing.T) {
	raw := json.RawMessage(`{"dataset":"Sales","query_type":"aggregate","metric":"Units_Sold","filters":{"Year":"2022"},"confidence":0.9}`)

	first, err := Normalize(raw)
	require.NoError(t, err)
	second, err := Normalize(raw)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

// ==========================
// ParseFilterValue Tests
// ==========================

func TestParseFilterValue(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantParts []string
		wantRange bool
	}{
		{name: "single value", raw: "Electronics", wantParts: []string{"Electronics"}},
		{name: "comma list", raw: "Electronics, Kurta", wantParts: []string{"Electronics", "Kurta"}},
		{name: "range", raw: "2022..2023", wantParts: []string{"2022", "2023"}, wantRange: true},
		{name: "range with spaces", raw: "2022 .. 2023", wantParts: []string{"2022", "2023"}, wantRange: true},
		{name: "empty string", raw: "", wantParts: []string{""}},
		{name: "value containing dots", raw: "v1.2", wantParts: []string{"v1.2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv := ParseFilterValue(tt.raw)
			assert.Equal(t, tt.wantRange, fv.IsRange())
			assert.Equal(t, tt.wantParts, fv.Parts())
		})
	}
}
