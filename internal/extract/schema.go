package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultSignalSchema validates extracted trading signals. take_profit is a
// list: signals often carry several targets. A message with no actionable
// content comes back as action NONE.
const DefaultSignalSchema = `{
	"type": "object",
	"properties": {
		"symbol": {"type": "string"},
		"action": {"type": "string", "enum": ["BUY", "SELL", "HOLD", "NONE"]},
		"entry": {"type": "string"},
		"take_profit": {"type": "array", "items": {"type": "string"}},
		"stop_loss": {"type": "string"},
		"timeframe": {"type": "string"},
		"notes": {"type": "string"}
	},
	"required": ["symbol", "action"],
	"additionalProperties": false
}`

// Validator validates extractor responses against a JSON Schema.
type Validator struct {
	schema     *jsonschema.Schema
	schemaJSON json.RawMessage
	maxRetries int
}

// NewValidator compiles a JSON Schema for validation. An empty schemaJSON
// compiles the default signal schema.
func NewValidator(schemaJSON json.RawMessage, maxRetries int) (*Validator, error) {
	if len(schemaJSON) == 0 {
		schemaJSON = json.RawMessage(DefaultSignalSchema)
	}
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if maxRetries == 0 {
		maxRetries = 2
	}
	return &Validator{
		schema:     schema,
		schemaJSON: schemaJSON,
		maxRetries: maxRetries,
	}, nil
}

// SchemaJSON returns the raw schema for prompt-level injection.
func (v *Validator) SchemaJSON() json.RawMessage {
	return v.schemaJSON
}

// MaxRetries returns the configured max retries.
func (v *Validator) MaxRetries() int {
	return v.maxRetries
}

// Validate extracts JSON from the model's response and validates it against
// the schema.
func (v *Validator) Validate(responseText string) (*Result, error) {
	jsonStr := extractJSON(responseText)
	if jsonStr == "" {
		return nil, &ExtractionError{Message: "response does not contain valid JSON"}
	}

	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number
	// instead of float64), which is required by the validator.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(jsonStr))
	if err != nil {
		return nil, &ExtractionError{Message: fmt.Sprintf("invalid JSON: %s", err)}
	}

	if err := v.schema.Validate(parsed); err != nil {
		return nil, &ExtractionError{Message: fmt.Sprintf("schema validation failed: %s", err)}
	}

	return &Result{JSON: jsonStr, Parsed: parsed}, nil
}

// extractJSON finds a JSON object or array in the response text.
func extractJSON(text string) string {
	// 1. Try fenced JSON block: ```json\n...\n```
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + 7
		// Skip optional newline after ```json
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if candidate != "" {
				return candidate
			}
		}
	}

	// 2. Try generic fenced block: ```\n...\n```
	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			candidate := strings.TrimSpace(text[start : start+end])
			if isJSON(candidate) {
				return candidate
			}
		}
	}

	// 3. Try raw JSON: find first { or [ and match closing
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			candidate := extractBalanced(text[i:])
			if candidate != "" && isJSON(candidate) {
				return candidate
			}
		}
	}

	return ""
}

// isJSON checks if a string is valid JSON.
func isJSON(s string) bool {
	var v any
	return json.Unmarshal([]byte(s), &v) == nil
}

// extractBalanced extracts a balanced JSON structure from the start of the string.
func extractBalanced(s string) string {
	if len(s) == 0 {
		return ""
	}

	open := s[0]
	var close byte
	switch open {
	case '{':
		close = '}'
	case '[':
		close = ']'
	default:
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}

		if ch == '\\' && inString {
			escaped = true
			continue
		}

		if ch == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		if ch == open {
			depth++
		} else if ch == close {
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}

	return ""
}
