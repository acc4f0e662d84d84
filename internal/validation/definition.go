package validation

import "github.com/rendis/chainrun/pkg/schema"

// DefinitionValidator runs the three-stage pipeline over a chain definition:
//  1. Structural (JSON Schema)
//  2. Semantic (registered targets, conditions, schedule, timeouts)
//  3. References (conditional steps only look backwards)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	plugins    PluginLookup
	conditions ConditionCompiler
}

// NewDefinitionValidator creates a DefinitionValidator. plugins and conditions
// may be nil to skip target and condition checks.
func NewDefinitionValidator(plugins PluginLookup, conditions ConditionCompiler) (*DefinitionValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{jsonSchema: jsv, plugins: plugins, conditions: conditions}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (dv *DefinitionValidator) Validate(def *schema.ChainDefinition) *Result {
	if def == nil {
		r := &Result{}
		r.AddError("/", schema.ErrCodeValidation, "chain definition is nil")
		return r
	}

	result := validateStructural(dv.jsonSchema, def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, dv.plugins, dv.conditions))
	result.Merge(validateReferences(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (dv *DefinitionValidator) ValidateDefinition(def *schema.ChainDefinition) error {
	return dv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (dv *DefinitionValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return dv.jsonSchema.ValidateInput(input, inputSchema)
}

// JSONSchema returns the structural validator.
func (dv *DefinitionValidator) JSONSchema() *JSONSchemaValidator {
	return dv.jsonSchema
}

// validateStructural converts JSONSchemaValidator output into a Result.
func validateStructural(v *JSONSchemaValidator, def *schema.ChainDefinition) *Result {
	result := &Result{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	ce, ok := err.(*schema.ChainError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := ce.Details["violations"].([]string); ok {
		for _, v := range violations {
			result.AddError("/", schema.ErrCodeValidation, v)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, ce.Message)
	return result
}

var (
	_ Validator = (*DefinitionValidator)(nil)
	_ Validator = (*JSONSchemaValidator)(nil)
)
