package chain

import (
	"context"

	"github.com/rendis/chainrun/pkg/schema"
)

// Call is shorthand for a step: a target, an optional operation and its arguments.
type Call struct {
	Target    string
	Operation string
	Args      []any
	Kwargs    map[string]any
}

// Step converts the call into a schema.Step.
func (c Call) Step() schema.Step {
	return schema.Step{Target: c.Target, Operation: c.Operation, Args: c.Args, Kwargs: c.Kwargs}
}

func callSteps(calls []Call) []schema.Step {
	steps := make([]schema.Step, len(calls))
	for i, c := range calls {
		steps[i] = c.Step()
	}
	return steps
}

// RunSequential executes calls one after another.
func (e *Executor) RunSequential(ctx context.Context, calls ...Call) *schema.ChainResult {
	return e.Execute(ctx, callSteps(calls), WithMode(schema.ModeSequential))
}

// RunParallel executes calls concurrently on the worker pool.
func (e *Executor) RunParallel(ctx context.Context, calls ...Call) *schema.ChainResult {
	return e.Execute(ctx, callSteps(calls), WithMode(schema.ModeParallel))
}

// ExecuteDefinition runs a parsed chain definition. Only conversion errors are
// returned; execution outcomes are in the result.
func (e *Executor) ExecuteDefinition(ctx context.Context, def *schema.ChainDefinition, extra ...Option) (*schema.ChainResult, error) {
	steps, opts, err := definitionRun(def, extra)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, steps, opts...), nil
}

// StartDefinition is the background counterpart of ExecuteDefinition: conversion
// errors are returned before anything is registered, otherwise the chain is
// pending in the registry when it returns.
func (e *Executor) StartDefinition(ctx context.Context, def *schema.ChainDefinition, extra ...Option) (string, <-chan *schema.ChainResult, error) {
	steps, opts, err := definitionRun(def, extra)
	if err != nil {
		return "", nil, err
	}
	id, done := e.Start(ctx, steps, opts...)
	return id, done, nil
}

func definitionRun(def *schema.ChainDefinition, extra []Option) ([]schema.Step, []Option, error) {
	steps, err := def.ToSteps()
	if err != nil {
		return nil, nil, err
	}
	opts, err := DefinitionOptions(def)
	if err != nil {
		return nil, nil, err
	}
	return steps, append(opts, extra...), nil
}
