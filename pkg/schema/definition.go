package schema

import "time"

// ChainDefinition is the serializable chain format accepted from files and MCP clients.
type ChainDefinition struct {
	ID            string           `json:"id,omitempty" yaml:"id,omitempty"`
	Mode          Mode             `json:"mode,omitempty" yaml:"mode,omitempty"`
	FailurePolicy FailurePolicy    `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"`
	Timeout       string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	StepTimeout   string           `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	Schedule      string           `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition describes a single step in a ChainDefinition.
type StepDefinition struct {
	Target    string         `json:"target" yaml:"target"`
	Operation string         `json:"operation,omitempty" yaml:"operation,omitempty"`
	Args      []any          `json:"args,omitempty" yaml:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty" yaml:"kwargs,omitempty"`
	Condition string         `json:"condition,omitempty" yaml:"condition,omitempty"`
	Timeout   string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ToSteps converts the definition into executable steps.
func (d *ChainDefinition) ToSteps() ([]Step, error) {
	steps := make([]Step, 0, len(d.Steps))
	for i, sd := range d.Steps {
		timeout, err := ParseOptionalDuration(sd.Timeout)
		if err != nil {
			return nil, NewErrorf(ErrCodeValidation, "steps[%d].timeout: %s", i, err.Error()).WithCause(err)
		}
		steps = append(steps, Step{
			Target:    sd.Target,
			Operation: sd.Operation,
			Args:      sd.Args,
			Kwargs:    sd.Kwargs,
			Condition: sd.Condition,
			Timeout:   timeout,
		})
	}
	return steps, nil
}

// ParseOptionalDuration parses a Go duration string; "" yields zero.
func ParseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
