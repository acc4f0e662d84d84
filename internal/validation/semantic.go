package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/chainrun/pkg/schema"
)

// PluginLookup reports whether a plugin is registered. Satisfied by *plugins.Registry.
type PluginLookup interface {
	Has(name string) bool
}

// ConditionCompiler checks condition syntax. Satisfied by the CEL and expr engines.
type ConditionCompiler interface {
	Compile(expression string) error
}

// validateSemantic checks what the JSON Schema cannot: registered targets,
// compilable conditions, parseable schedules and consistent timeouts.
func validateSemantic(def *schema.ChainDefinition, plugins PluginLookup, conditions ConditionCompiler) *Result {
	result := &Result{}

	mode := def.Mode
	if mode == "" {
		mode = schema.ModeSequential
	}

	chainTimeout := parseDuration("timeout", def.Timeout, result)
	stepTimeout := parseDuration("step_timeout", def.StepTimeout, result)
	if chainTimeout > 0 && stepTimeout > chainTimeout {
		result.AddWarning("step_timeout", schema.ErrCodeValidation,
			fmt.Sprintf("step timeout (%s) exceeds chain timeout (%s); the chain deadline fires first", stepTimeout, chainTimeout))
	}

	if def.Schedule != "" {
		if _, err := cron.ParseStandard(def.Schedule); err != nil {
			result.AddError("schedule", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", def.Schedule, err.Error()))
		}
	}

	for i := range def.Steps {
		validateStep(&def.Steps[i], fmt.Sprintf("steps[%d]", i), mode, chainTimeout, plugins, conditions, result)
	}
	return result
}

func validateStep(step *schema.StepDefinition, path string, mode schema.Mode, chainTimeout time.Duration, plugins PluginLookup, conditions ConditionCompiler, result *Result) {
	if plugins != nil && step.Target != "" && !plugins.Has(step.Target) {
		result.AddError(path+".target", schema.ErrCodePluginUnavailable,
			fmt.Sprintf("plugin %q not registered", step.Target))
	}

	timeout := parseDuration(path+".timeout", step.Timeout, result)
	if chainTimeout > 0 && timeout > chainTimeout {
		result.AddWarning(path+".timeout", schema.ErrCodeValidation,
			fmt.Sprintf("step timeout (%s) exceeds chain timeout (%s)", timeout, chainTimeout))
	}

	if step.Condition != "" {
		if mode != schema.ModeConditional {
			result.AddWarning(path+".condition", schema.ErrCodeValidation,
				fmt.Sprintf("condition is ignored in %s mode", mode))
		} else if conditions != nil {
			if err := conditions.Compile(step.Condition); err != nil {
				result.AddError(path+".condition", schema.ErrCodeValidation, errorMessage(err))
			}
		}
	}

	if mode != schema.ModeConditional && hasReference(step) {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("${{ }} references are only resolved in conditional mode, not %s", mode))
	}
}

func parseDuration(path, value string, result *Result) time.Duration {
	d, err := schema.ParseOptionalDuration(value)
	if err != nil {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", value))
		return 0
	}
	if d < 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("duration %q must not be negative", value))
		return 0
	}
	return d
}

func hasReference(step *schema.StepDefinition) bool {
	found := false
	walkStrings(step.Args, func(s string) {
		found = found || strings.Contains(s, "${{")
	})
	walkStrings(step.Kwargs, func(s string) {
		found = found || strings.Contains(s, "${{")
	})
	return found
}

// walkStrings calls fn for every string nested in v.
func walkStrings(v any, fn func(string)) {
	switch x := v.(type) {
	case string:
		fn(x)
	case []any:
		for _, item := range x {
			walkStrings(item, fn)
		}
	case map[string]any:
		for _, item := range x {
			walkStrings(item, fn)
		}
	}
}

func errorMessage(err error) string {
	if ce, ok := err.(*schema.ChainError); ok {
		return ce.Message
	}
	return err.Error()
}
