package summarizer

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/oakmemory/oak/pkg/models"
)

type resultSchemaRegistry struct {
	once    sync.Once
	initErr error
	schema  *jsonschema.Schema
}

var resultSchemas resultSchemaRegistry

func initResultSchema() error {
	resultSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("summarizer_result", resultSchema)
		if err != nil {
			resultSchemas.initErr = err
			return
		}
		resultSchemas.schema = compiled
	})
	return resultSchemas.initErr
}

// ParseResult validates and decodes a raw model response. Models sometimes
// wrap the JSON in markdown fences or prose despite instructions; the parser
// extracts the outermost object before validating. Any failure wraps
// ErrUnparseable.
func ParseResult(raw string) (*Result, error) {
	if err := initResultSchema(); err != nil {
		return nil, err
	}

	body := extractJSONObject(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrUnparseable)
	}

	var payload any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if err := resultSchemas.schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	var result Result
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if result.Classification == "" {
		result.Classification = models.ClassUnknown
	}
	return &result, nil
}

// extractJSONObject returns the substring from the first '{' to the last '}',
// which tolerates fenced or prose-wrapped responses.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return ""
	}
	return raw[start : end+1]
}

const resultSchema = `{
  "type": "object",
  "required": ["classification", "observations"],
  "properties": {
    "classification": {
      "type": "string",
      "enum": ["feature", "exploration", "bug_fix", "refactor", "unknown"]
    },
    "observations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["memory_type", "observation_text", "confidence"],
        "properties": {
          "memory_type": {
            "type": "string",
            "enum": ["gotcha", "bug_fix", "decision", "discovery", "trade_off", "session_summary", "plan"]
          },
          "observation_text": { "type": "string", "minLength": 1 },
          "file_path": { "type": "string" },
          "tags": {
            "type": "array",
            "items": { "type": "string" }
          },
          "confidence": { "type": "number", "minimum": 0, "maximum": 1 }
        },
        "additionalProperties": true
      }
    },
    "response_summary": { "type": "string" }
  },
  "additionalProperties": true
}`
