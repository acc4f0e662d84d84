package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/chainrun/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// chainSchemaURL identifies the embedded chain definition schema.
const chainSchemaURL = "https://chainrun.dev/schemas/chain.json"

const durationPattern = `^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

// chainSchemaJSON is the JSON Schema for ChainDefinition validation.
var chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "` + chainSchemaURL + `",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "mode": { "type": "string", "enum": ["sequential", "parallel", "conditional"] },
    "failure_policy": { "type": "string", "enum": ["fail_fast", "best_effort"] },
    "timeout": { "type": "string", "pattern": "` + durationPattern + `" },
    "step_timeout": { "type": "string", "pattern": "` + durationPattern + `" },
    "schedule": { "type": "string", "minLength": 1 },
    "steps": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["target"],
      "properties": {
        "target": { "type": "string", "minLength": 1 },
        "operation": { "type": "string", "minLength": 1 },
        "args": { "type": "array" },
        "kwargs": { "type": "object" },
        "condition": { "type": "string" },
        "timeout": { "type": "string", "pattern": "` + durationPattern + `" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks chain definitions against the embedded schema and
// plugin inputs against their declared schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	chainSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the chain schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(chainSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal chain schema: %w", err)
	}
	if err := c.AddResource(chainSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add chain schema resource: %w", err)
	}

	chainSchema, err := c.Compile(chainSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile chain schema: %w", err)
	}

	return &JSONSchemaValidator{
		chainSchema: chainSchema,
		compiler:    newInputCompiler(),
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks the shape of a ChainDefinition.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize chain definition").WithCause(err)
	}
	return v.ValidateDocument(doc)
}

// ValidateDocument checks a decoded JSON document (as produced by
// jsonschema.UnmarshalJSON) against the chain schema. Unlike ValidateDefinition
// it sees fields that ChainDefinition would silently drop.
func (v *JSONSchemaValidator) ValidateDocument(doc any) error {
	if err := v.chainSchema.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toChainError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("chainrun://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toChainError converts a jsonschema.ValidationError into a ChainError listing
// each violation with its instance location.
func toChainError(err error) *schema.ChainError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
