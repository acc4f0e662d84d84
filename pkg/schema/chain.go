package schema

import (
	"time"
)

// DefaultOperation is the operation invoked when a step does not name one.
const DefaultOperation = "execute"

// Predicate decides whether a conditional step runs, given the accumulated chain context.
type Predicate func(chainCtx map[string]any) (bool, error)

// Step is a named unit of work targeting a plugin. Steps are not mutated by the executor.
type Step struct {
	Target    string         `json:"target"`
	Operation string         `json:"operation,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Condition string         `json:"condition,omitempty"`
	Timeout   time.Duration  `json:"timeout,omitempty"`

	// Predicate takes precedence over Condition when set.
	Predicate Predicate `json:"-"`
}

// Op returns the operation name, falling back to DefaultOperation.
func (s Step) Op() string {
	if s.Operation == "" {
		return DefaultOperation
	}
	return s.Operation
}

// HasCondition reports whether the step is gated in conditional mode.
func (s Step) HasCondition() bool {
	return s.Predicate != nil || s.Condition != ""
}

// StepResult is the outcome of a single step. Exactly one of Payload or Error is
// meaningful: Success selects which.
type StepResult struct {
	Index         int         `json:"index"`
	Target        string      `json:"target"`
	Operation     string      `json:"operation"`
	Success       bool        `json:"success"`
	Skipped       bool        `json:"skipped,omitempty"`
	Payload       any         `json:"payload,omitempty"`
	Error         *ChainError `json:"error,omitempty"`
	Attempts      int         `json:"attempts,omitempty"`
	ExecutionTime float64     `json:"execution_time"`
	StartedAt     time.Time   `json:"started_at"`
}

// ErrorMessage returns the step error message, or "" on success.
func (r StepResult) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}

// ChainResult is the aggregate outcome of a chain run.
type ChainResult struct {
	ChainID        string        `json:"chain_id"`
	RunID          string        `json:"run_id"`
	Mode           Mode          `json:"mode"`
	Policy         FailurePolicy `json:"failure_policy"`
	Status         ChainStatus   `json:"status"`
	Steps          []StepResult  `json:"results"`
	ExecutionTime  float64       `json:"execution_time"`
	Error          *ChainError   `json:"error,omitempty"`
	CompletedSteps int           `json:"completed_steps"`
	TotalSteps     int           `json:"total_steps"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// ErrorMessage returns the chain-level error message, or "" when there is none.
func (c *ChainResult) ErrorMessage() string {
	if c.Error == nil {
		return ""
	}
	return c.Error.Message
}

// Clone returns a copy that shares no steps or errors with c. Payloads are
// shared; plugins must not mutate a payload after returning it.
func (c *ChainResult) Clone() *ChainResult {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Error = c.Error.Clone()
	cp.Steps = make([]StepResult, len(c.Steps))
	copy(cp.Steps, c.Steps)
	for i := range cp.Steps {
		cp.Steps[i].Error = c.Steps[i].Error.Clone()
	}
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
