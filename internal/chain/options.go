package chain

import (
	"time"

	"github.com/rendis/chainrun/pkg/schema"
)

type runOptions struct {
	mode        schema.Mode
	chainID     string
	timeout     time.Duration
	stepTimeout time.Duration
	policy      schema.FailurePolicy
}

// Option customizes a single Execute call.
type Option func(*runOptions)

// WithMode selects the execution discipline. Sequential is the default.
func WithMode(mode schema.Mode) Option {
	return func(o *runOptions) { o.mode = mode }
}

// WithChainID sets the chain ID instead of generating "chain_<n>". IDs are not
// checked for collisions; a later run replaces the registry entry.
func WithChainID(id string) Option {
	return func(o *runOptions) { o.chainID = id }
}

// WithTimeout bounds the whole chain. Zero means no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *runOptions) { o.timeout = d }
}

// WithStepTimeout bounds every step that does not set its own Timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(o *runOptions) { o.stepTimeout = d }
}

// WithFailurePolicy overrides the mode's default failure policy.
func WithFailurePolicy(p schema.FailurePolicy) Option {
	return func(o *runOptions) { o.policy = p }
}

// DefinitionOptions translates a chain definition's settings into options.
func DefinitionOptions(def *schema.ChainDefinition) ([]Option, error) {
	var opts []Option
	if def.Mode != "" {
		opts = append(opts, WithMode(def.Mode))
	}
	if def.ID != "" {
		opts = append(opts, WithChainID(def.ID))
	}
	if def.FailurePolicy != "" {
		opts = append(opts, WithFailurePolicy(def.FailurePolicy))
	}
	timeout, err := schema.ParseOptionalDuration(def.Timeout)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "timeout: %s", err.Error()).WithCause(err)
	}
	if timeout > 0 {
		opts = append(opts, WithTimeout(timeout))
	}
	stepTimeout, err := schema.ParseOptionalDuration(def.StepTimeout)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step_timeout: %s", err.Error()).WithCause(err)
	}
	if stepTimeout > 0 {
		opts = append(opts, WithStepTimeout(stepTimeout))
	}
	return opts, nil
}
