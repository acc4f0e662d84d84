package schema

// Invocation is a single request to run a step against its target plugin.
type Invocation struct {
	ChainID   string         `json:"chain_id"`
	RunID     string         `json:"run_id,omitempty"`
	StepIndex int            `json:"step_index"`
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
}

// StepOutcome is what a step invoker reports back. A nil Error means success.
type StepOutcome struct {
	Payload  any         `json:"payload,omitempty"`
	Error    *ChainError `json:"error,omitempty"`
	Attempts int         `json:"attempts,omitempty"`
}

// Succeeded reports whether the outcome carries no error.
func (o StepOutcome) Succeeded() bool {
	return o.Error == nil
}

// Success builds a successful outcome.
func Success(payload any) StepOutcome {
	return StepOutcome{Payload: payload, Attempts: 1}
}

// Failure builds a failed outcome.
func Failure(err *ChainError) StepOutcome {
	return StepOutcome{Error: err, Attempts: 1}
}
