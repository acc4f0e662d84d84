package chain

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/pkg/schema"
)

// runSequential runs steps in input order with at most one step in flight.
func (e *Executor) runSequential(ctx context.Context, run *chainRun) *schema.ChainError {
	for i, step := range run.steps {
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		r := e.invokeStep(ctx, run, i, step)
		e.recordStep(run, r)
		if r.Success {
			continue
		}
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		if run.policy == schema.FailFast {
			return stepFailure(r)
		}
	}
	return nil
}

// runConditional runs steps in order, gating each on its condition over the
// results accumulated so far. Args and kwargs may reference them with ${{ key }}.
func (e *Executor) runConditional(ctx context.Context, run *chainRun) *schema.ChainError {
	cc := newChainContext()
	for i, step := range run.steps {
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		r := e.conditionalStep(ctx, run, i, step, cc)
		e.recordStep(run, r)
		cc.record(r)
		if r.Success {
			continue
		}
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		if run.policy == schema.FailFast {
			return stepFailure(r)
		}
	}
	return nil
}

func (e *Executor) conditionalStep(ctx context.Context, run *chainRun, i int, step schema.Step, cc *chainContext) schema.StepResult {
	if step.HasCondition() {
		stepCtx := logging.WithStep(ctx, i, step.Target)
		ok, err := e.conditions.Evaluate(stepCtx, step, cc)

		payload := map[string]any{"condition": step.Condition, "result": ok}
		if step.Predicate != nil {
			payload["predicate"] = true
		}
		if err != nil {
			payload["error"] = err.Error()
		}
		e.emitStep(stepCtx, run, i, step, schema.EventConditionEvaluated, payload)

		if err != nil {
			return e.failStep(stepCtx, run, i, step, asChainError(err, schema.ErrCodeValidation))
		}
		if !ok {
			e.emitStep(stepCtx, run, i, step, schema.EventStepSkipped, nil)
			return schema.StepResult{
				Index:     i,
				Target:    step.Target,
				Operation: step.Op(),
				Success:   true,
				Skipped:   true,
				StartedAt: e.now(),
			}
		}
	}

	resolved, err := interpolateStep(step, cc)
	if err != nil {
		return e.failStep(logging.WithStep(ctx, i, step.Target), run, i, step, asChainError(err, schema.ErrCodeValidation))
	}
	return e.invokeStep(ctx, run, i, resolved)
}

// runParallel fans steps out over the worker pool and collects results in input
// order. Under fail_fast the first failure cancels the remaining steps.
func (e *Executor) runParallel(ctx context.Context, run *chainRun) *schema.ChainError {
	results := make([]schema.StepResult, len(run.steps))
	groupCtx, cancelGroup := context.WithCancelCause(ctx)
	defer cancelGroup(nil)

	var (
		wg        sync.WaitGroup
		failOnce  sync.Once
		firstFail = -1
	)
	for i, step := range run.steps {
		wg.Add(1)
		err := e.pool.Submit(groupCtx, func(stepCtx context.Context) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					results[i] = e.failStep(stepCtx, run, i, step,
						schema.NewErrorf(schema.ErrCodeExecution, "internal fault: %v", rec))
				}
			}()

			r := e.invokeStep(stepCtx, run, i, step)
			results[i] = r
			if r.Success {
				e.countSuccess(run)
				return
			}
			if run.policy == schema.FailFast && ctx.Err() == nil {
				failOnce.Do(func() {
					firstFail = i
					cancelGroup(errSiblingFailed)
				})
			}
		})
		if err != nil {
			wg.Done()
			var ce *schema.ChainError
			if errors.Is(err, ErrPoolShutdown) {
				ce = schema.NewError(schema.ErrCodeExecution, err.Error())
			} else {
				ce = interruption(groupCtx)
			}
			results[i] = e.failStep(logging.WithStep(ctx, i, step.Target), run, i, step, ce)
		}
	}
	wg.Wait()

	e.recordResults(run, results)

	if ctx.Err() != nil {
		return interruption(ctx)
	}
	if firstFail >= 0 {
		return stepFailure(results[firstFail])
	}
	return nil
}

// invokeStep runs one step through the invoker under the step deadline.
func (e *Executor) invokeStep(ctx context.Context, run *chainRun, i int, step schema.Step) schema.StepResult {
	ctx = logging.WithStep(ctx, i, step.Target)
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = run.stepTimeout
	}

	started := e.now()
	e.emitStep(ctx, run, i, step, schema.EventStepStarted, map[string]any{"operation": step.Op()})

	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeoutCause(ctx, timeout, errStepTimeout)
		defer cancel()
	}

	outcome := e.call(stepCtx, schema.Invocation{
		ChainID:   run.id,
		RunID:     run.runID,
		StepIndex: i,
		Target:    step.Target,
		Operation: step.Op(),
		Args:      step.Args,
		Kwargs:    step.Kwargs,
	})

	r := schema.StepResult{
		Index:         i,
		Target:        step.Target,
		Operation:     step.Op(),
		Attempts:      outcome.Attempts,
		ExecutionTime: e.now().Sub(started).Seconds(),
		StartedAt:     started,
	}
	if outcome.Error == nil {
		r.Success = true
		r.Payload = outcome.Payload
		e.emitStep(ctx, run, i, step, schema.EventStepCompleted, map[string]any{"execution_time": r.ExecutionTime})
		return r
	}

	stepErr := outcome.Error
	switch {
	case ctx.Err() != nil:
		stepErr = interruption(ctx).WithCause(outcome.Error)
	case errors.Is(context.Cause(stepCtx), errStepTimeout):
		stepErr = schema.NewErrorf(schema.ErrCodeTimeout, "step timed out after %s", timeout).WithCause(outcome.Error)
	}
	r.Error = stepErr.WithStep(i, step.Target)
	e.emitStep(ctx, run, i, step, schema.EventStepFailed, map[string]any{
		"code":  r.Error.Code,
		"error": r.Error.Message,
	})
	e.logger.WarnContext(ctx, "step failed", "code", r.Error.Code, "error", r.Error.Message)
	return r
}

// call invokes the step and returns early when ctx ends, so a step that ignores
// its context still observes the deadline and cancellation.
func (e *Executor) call(ctx context.Context, inv schema.Invocation) schema.StepOutcome {
	done := make(chan schema.StepOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- schema.Failure(schema.NewErrorf(schema.ErrCodeExecution, "step invoker panic: %v", rec))
			}
		}()
		done <- e.invoker.Invoke(ctx, inv)
	}()

	select {
	case out := <-done:
		if out.Error != nil {
			cp := *out.Error
			out.Error = &cp
		}
		return out
	case <-ctx.Done():
		return schema.Failure(interruption(ctx))
	}
}

// failStep builds the failure result for a step that never reached the invoker.
func (e *Executor) failStep(ctx context.Context, run *chainRun, i int, step schema.Step, err *schema.ChainError) schema.StepResult {
	err = err.WithStep(i, step.Target)
	e.emitStep(ctx, run, i, step, schema.EventStepFailed, map[string]any{"code": err.Code, "error": err.Message})
	return schema.StepResult{
		Index:     i,
		Target:    step.Target,
		Operation: step.Op(),
		Error:     err,
		StartedAt: e.now(),
	}
}

// recordStep appends a sequential or conditional step result. CompletedSteps
// counts recorded steps, the failing one included.
func (e *Executor) recordStep(run *chainRun, r schema.StepResult) {
	e.registry.Update(run.id, func(res *schema.ChainResult) bool {
		if res.RunID != run.runID || res.Status != schema.ChainStatusRunning {
			return false
		}
		res.Steps = append(res.Steps, r)
		res.CompletedSteps = len(res.Steps)
		return true
	})
}

// countSuccess bumps CompletedSteps for a successful parallel step.
func (e *Executor) countSuccess(run *chainRun) {
	e.registry.Update(run.id, func(res *schema.ChainResult) bool {
		if res.RunID != run.runID || res.Status != schema.ChainStatusRunning {
			return false
		}
		res.CompletedSteps++
		return true
	})
}

// recordResults stores the ordered parallel results.
func (e *Executor) recordResults(run *chainRun, results []schema.StepResult) {
	e.registry.Update(run.id, func(res *schema.ChainResult) bool {
		if res.RunID != run.runID || res.Status != schema.ChainStatusRunning {
			return false
		}
		res.Steps = append(res.Steps[:0], results...)
		return true
	})
}

func (e *Executor) emitStep(ctx context.Context, run *chainRun, i int, step schema.Step, eventType string, payload map[string]any) {
	ev := schema.NewEvent(run.id, run.runID, eventType).ForStep(i, step.Target).With(payload)
	ev.Timestamp = e.now().UTC()
	e.emitter.Emit(ctx, ev)
}

// stepFailure promotes a failed step into the chain error, keeping its message.
func stepFailure(r schema.StepResult) *schema.ChainError {
	return schema.NewError(schema.ErrCodeStepFailed, r.Error.Message).
		WithStep(r.Index, r.Target).
		WithCause(r.Error).
		WithDetails(map[string]any{"step_code": r.Error.Code})
}

func asChainError(err error, code string) *schema.ChainError {
	var ce *schema.ChainError
	if errors.As(err, &ce) {
		cp := *ce
		return &cp
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}
