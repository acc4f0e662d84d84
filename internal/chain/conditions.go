package chain

import (
	"context"
	"fmt"
	"maps"

	"github.com/rendis/chainrun/internal/expressions"
	"github.com/rendis/chainrun/pkg/schema"
)

// chainContext is the state a conditional chain accumulates between steps.
type chainContext struct {
	values map[string]any
	steps  []any
}

func newChainContext() *chainContext {
	return &chainContext{values: make(map[string]any)}
}

// record publishes a step's outcome as step_<i>_result and step_<i>_success.
func (c *chainContext) record(r schema.StepResult) {
	c.values[fmt.Sprintf("step_%d_success", r.Index)] = r.Success
	c.values[fmt.Sprintf("step_%d_result", r.Index)] = r.Payload
	if r.Error != nil {
		c.values[fmt.Sprintf("step_%d_error", r.Index)] = r.Error.Message
	}
	if r.Skipped {
		c.values[fmt.Sprintf("step_%d_skipped", r.Index)] = true
	}
	c.steps = append(c.steps, map[string]any{
		"success": r.Success,
		"result":  r.Payload,
		"skipped": r.Skipped,
		"error":   r.ErrorMessage(),
	})
}

// snapshot returns a copy of the context values.
func (c *chainContext) snapshot() map[string]any {
	return maps.Clone(c.values)
}

// data builds the variable set conditions are evaluated against. Context keys are
// top-level variables; ctx, steps, args and kwargs are also bound.
func (c *chainContext) data(step schema.Step) map[string]any {
	data := c.snapshot()
	data["ctx"] = c.snapshot()
	steps := make([]any, len(c.steps))
	copy(steps, c.steps)
	data["steps"] = steps
	if step.Args != nil {
		data["args"] = step.Args
	}
	if step.Kwargs != nil {
		data["kwargs"] = step.Kwargs
	}
	return data
}

// ConditionEvaluator decides whether a conditional-mode step runs.
type ConditionEvaluator struct {
	engine expressions.Engine
}

// NewConditionEvaluator creates an evaluator backed by engine.
func NewConditionEvaluator(engine expressions.Engine) *ConditionEvaluator {
	return &ConditionEvaluator{engine: engine}
}

// Engine returns the expression engine name.
func (c *ConditionEvaluator) Engine() string {
	return c.engine.Name()
}

// Evaluate runs the step's Predicate if set, else its Condition expression.
// Steps without either always run. Errors are VALIDATION_ERROR chain errors.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, step schema.Step, cc *chainContext) (bool, error) {
	if step.Predicate != nil {
		ok, err := step.Predicate(cc.snapshot())
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "condition predicate failed: %s", err.Error()).WithCause(err)
		}
		return ok, nil
	}
	if step.Condition == "" {
		return true, nil
	}

	ok, err := expressions.EvaluateBool(ctx, c.engine, step.Condition, cc.data(step))
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "condition %q: %s", step.Condition, conditionMessage(err)).
			WithCause(err).
			WithDetails(map[string]any{"condition": step.Condition, "engine": c.engine.Name()})
	}
	return ok, nil
}

func conditionMessage(err error) string {
	if ce, ok := err.(*schema.ChainError); ok {
		return ce.Message
	}
	return err.Error()
}

// interpolateStep resolves ${{ key }} references in a step's args and kwargs
// against the chain context.
func interpolateStep(step schema.Step, cc *chainContext) (schema.Step, error) {
	scope := cc.data(step)
	if len(step.Args) > 0 {
		v, err := expressions.Interpolate(step.Args, scope)
		if err != nil {
			return step, err
		}
		step.Args = v.([]any)
	}
	if len(step.Kwargs) > 0 {
		v, err := expressions.Interpolate(step.Kwargs, scope)
		if err != nil {
			return step, err
		}
		step.Kwargs = v.(map[string]any)
	}
	return step, nil
}
