package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	pipeerrors "retail-insights/internal/common/errors"
)

// intentSchema is the fixed shape contract for intent-resolution output. The
// payload is externally produced and untrusted; anything outside this shape is
// malformed and terminal for the turn.
var intentSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"dataset", "query_type", "metric"},
	"properties": map[string]interface{}{
		"dataset": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
		},
		"query_type": map[string]interface{}{
			"type": "string",
			"enum": []interface{}{"aggregate", "compare", "trend", "top_n"},
		},
		"metric": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
		},
		"dimensions": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
		"filters": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": map[string]interface{}{"type": "string"},
		},
		"top_n_count": map[string]interface{}{
			"type": []interface{}{"integer", "null"},
		},
		"confidence": map[string]interface{}{
			"type": "number",
		},
	},
}

type rawIntent struct {
	Dataset    string            `json:"dataset"`
	QueryType  string            `json:"query_type"`
	Metric     string            `json:"metric"`
	Dimensions []string          `json:"dimensions"`
	Filters    map[string]string `json:"filters"`
	TopNCount  *int              `json:"top_n_count"`
	Confidence *float64          `json:"confidence"`
}

// Normalize validates the raw intent JSON against the schema and
// canonicalizes it into an immutable Intent. Identifiers are lowercased and
// trimmed for case-insensitive catalog matching; filter values are preserved
// verbatim because they are data, not identifiers. No data access happens
// here.
func Normalize(raw json.RawMessage) (*Intent, error) {
	if len(raw) == 0 {
		return nil, pipeerrors.NewMalformedIntentError("empty intent payload")
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, pipeerrors.NewMalformedIntentError(fmt.Sprintf("invalid JSON: %v", err))
	}

	schemaLoader := gojsonschema.NewGoLoader(intentSchema)
	documentLoader := gojsonschema.NewGoLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, pipeerrors.NewMalformedIntentError(fmt.Sprintf("schema validation: %v", err))
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return nil, pipeerrors.NewMalformedIntentError(strings.Join(details, "; "))
	}

	var ri rawIntent
	if err := json.Unmarshal(raw, &ri); err != nil {
		return nil, pipeerrors.NewMalformedIntentError(fmt.Sprintf("decode intent: %v", err))
	}

	out := &Intent{
		Dataset:   canonical(ri.Dataset),
		QueryType: QueryType(canonical(ri.QueryType)),
		Metric:    canonical(ri.Metric),
	}

	for _, dim := range ri.Dimensions {
		if c := canonical(dim); c != "" {
			out.Dimensions = append(out.Dimensions, c)
		}
	}

	if len(ri.Filters) > 0 {
		out.Filters = make(map[string]string, len(ri.Filters))
		for key, value := range ri.Filters {
			// Keys name dimensions; values are data and stay verbatim.
			ck := canonical(key)
			if _, dup := out.Filters[ck]; dup {
				// Two raw keys collapsing to one dimension would silently
				// drop a filter; the payload is ambiguous, not the user.
				return nil, pipeerrors.NewMalformedIntentError(fmt.Sprintf("conflicting filter keys for dimension %q", ck))
			}
			out.Filters[ck] = value
		}
	}

	if ri.TopNCount != nil && *ri.TopNCount > 0 {
		out.TopNCount = *ri.TopNCount
	}

	// Missing confidence means maximally uncertain, never maximally certain.
	if ri.Confidence != nil {
		out.Confidence = clamp01(*ri.Confidence)
	}

	return out, nil
}

func canonical(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
