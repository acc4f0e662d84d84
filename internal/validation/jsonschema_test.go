package validation

import (
	"strings"
	"sync"
	"testing"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func newJSONValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func requireValidationError(t *testing.T, err error) *schema.ChainError {
	t.Helper()
	require.Error(t, err)
	ce, ok := err.(*schema.ChainError)
	require.True(t, ok, "expected *schema.ChainError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
	return ce
}

func TestNewJSONSchemaValidator(t *testing.T) {
	v := newJSONValidator(t)
	assert.NotNil(t, v.chainSchema)
}

func TestValidateDefinition_Nil(t *testing.T) {
	ce := requireValidationError(t, newJSONValidator(t).ValidateDefinition(nil))
	assert.Contains(t, ce.Message, "nil")
}

func TestValidateDefinition_MinimalValid(t *testing.T) {
	def := &schema.ChainDefinition{Steps: []schema.StepDefinition{{Target: "echo"}}}
	assert.NoError(t, newJSONValidator(t).ValidateDefinition(def))
}

func TestValidateDefinition_EmptySteps(t *testing.T) {
	v := newJSONValidator(t)
	assert.NoError(t, v.ValidateDefinition(&schema.ChainDefinition{}))
	assert.NoError(t, v.ValidateDefinition(&schema.ChainDefinition{Steps: []schema.StepDefinition{}}))
}

func TestValidateDefinition_FullValid(t *testing.T) {
	def := &schema.ChainDefinition{
		ID:            "nightly",
		Mode:          schema.ModeConditional,
		FailurePolicy: schema.BestEffort,
		Timeout:       "1m30s",
		StepTimeout:   "500ms",
		Schedule:      "0 3 * * *",
		Steps: []schema.StepDefinition{
			{Target: "echo", Operation: "execute", Args: []any{"a", 1}, Kwargs: map[string]any{"k": "v"}},
			{Target: "fail", Condition: "ctx.step_0_success", Timeout: "2s"},
		},
	}
	assert.NoError(t, newJSONValidator(t).ValidateDefinition(def))
}

func TestValidateDefinition_BadMode(t *testing.T) {
	def := &schema.ChainDefinition{Mode: "random", Steps: []schema.StepDefinition{{Target: "echo"}}}
	ce := requireValidationError(t, newJSONValidator(t).ValidateDefinition(def))
	assert.Contains(t, ce.Message, "/mode")
}

func TestValidateDefinition_BadPolicy(t *testing.T) {
	def := &schema.ChainDefinition{FailurePolicy: "retry_forever", Steps: []schema.StepDefinition{{Target: "echo"}}}
	ce := requireValidationError(t, newJSONValidator(t).ValidateDefinition(def))
	assert.Contains(t, ce.Message, "/failure_policy")
}

func TestValidateDefinition_MissingTarget(t *testing.T) {
	def := &schema.ChainDefinition{Steps: []schema.StepDefinition{{Operation: "execute"}}}
	ce := requireValidationError(t, newJSONValidator(t).ValidateDefinition(def))
	assert.Contains(t, ce.Message, "/steps/0")
	assert.Contains(t, ce.Message, "target")
}

func TestValidateDefinition_BadDuration(t *testing.T) {
	def := &schema.ChainDefinition{
		Timeout: "soon",
		Steps:   []schema.StepDefinition{{Target: "echo", Timeout: "5 minutes"}},
	}
	ce := requireValidationError(t, newJSONValidator(t).ValidateDefinition(def))
	assert.Contains(t, ce.Message, "2 errors")
	violations, ok := ce.Details["violations"].([]string)
	require.True(t, ok)
	assert.Len(t, violations, 2)
}

func TestValidateDocument_UnknownField(t *testing.T) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(`{"steps": [], "retries": 3}`))
	require.NoError(t, err)

	ce := requireValidationError(t, newJSONValidator(t).ValidateDocument(doc))
	assert.Contains(t, ce.Message, "retries")
}

func TestValidateDocument_UnknownStepField(t *testing.T) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(`{"steps": [{"target": "echo", "when": "x"}]}`))
	require.NoError(t, err)

	requireValidationError(t, newJSONValidator(t).ValidateDocument(doc))
}

var greetingSchema = []byte(`{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string"},
    "times": {"type": "integer", "minimum": 1}
  }
}`)

func TestValidateInput(t *testing.T) {
	v := newJSONValidator(t)

	assert.NoError(t, v.ValidateInput(map[string]any{"name": "ada", "times": 2}, greetingSchema))

	ce := requireValidationError(t, v.ValidateInput(map[string]any{"times": 0}, greetingSchema))
	assert.Contains(t, ce.Message, "2 errors")

	requireValidationError(t, v.ValidateInput(map[string]any{"name": 42}, greetingSchema))
}

func TestValidateInput_EmptySchema(t *testing.T) {
	assert.NoError(t, newJSONValidator(t).ValidateInput(map[string]any{"x": 1}, nil))
}

func TestValidateInput_NilInput(t *testing.T) {
	v := newJSONValidator(t)
	assert.NoError(t, v.ValidateInput(nil, []byte(`{"type": "object"}`)))
	requireValidationError(t, v.ValidateInput(nil, greetingSchema))
}

func TestValidateInput_InvalidSchema(t *testing.T) {
	ce := requireValidationError(t, newJSONValidator(t).ValidateInput(map[string]any{}, []byte(`{not json`)))
	assert.Equal(t, "invalid input schema", ce.Message)
}

func TestValidateInput_CachesCompiledSchema(t *testing.T) {
	v := newJSONValidator(t)
	require.NoError(t, v.ValidateInput(map[string]any{"name": "a"}, greetingSchema))
	require.NoError(t, v.ValidateInput(map[string]any{"name": "b"}, greetingSchema))
	assert.Len(t, v.cache, 1)
}

func TestValidateInput_Concurrent(t *testing.T) {
	v := newJSONValidator(t)
	schemas := [][]byte{
		greetingSchema,
		[]byte(`{"type": "object", "properties": {"n": {"type": "number"}}}`),
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(map[string]any{"name": "x", "n": i}, schemas[i%2]))
		}(i)
	}
	wg.Wait()
	assert.Len(t, v.cache, 2)
}
