package schema

import "time"

// Event type constants for the chain event log.
const (
	EventChainStarted   = "chain_started"
	EventChainCompleted = "chain_completed"
	EventChainFailed    = "chain_failed"
	EventChainCancelled = "chain_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventScheduleTriggered = "schedule_triggered"
)

// ChainStatus represents the lifecycle state of a chain.
type ChainStatus string

const (
	ChainStatusPending   ChainStatus = "pending"
	ChainStatusRunning   ChainStatus = "running"
	ChainStatusCompleted ChainStatus = "completed"
	ChainStatusFailed    ChainStatus = "failed"
	ChainStatusCancelled ChainStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ChainStatus) IsTerminal() bool {
	switch s {
	case ChainStatusCompleted, ChainStatusFailed, ChainStatusCancelled:
		return true
	}
	return false
}

// Mode is the execution discipline of a chain.
type Mode string

const (
	ModeSequential  Mode = "sequential"
	ModeParallel    Mode = "parallel"
	ModeConditional Mode = "conditional"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeSequential, ModeParallel, ModeConditional:
		return true
	}
	return false
}

// FailurePolicy decides whether a failing step ends the chain.
type FailurePolicy string

const (
	// FailFast stops the chain at the first failed step and marks it failed.
	FailFast FailurePolicy = "fail_fast"
	// BestEffort records step failures and lets the chain complete.
	BestEffort FailurePolicy = "best_effort"
)

// DefaultPolicy returns the failure policy a mode uses when none is requested.
func (m Mode) DefaultPolicy() FailurePolicy {
	if m == ModeSequential {
		return FailFast
	}
	return BestEffort
}

// Event is an append-only record of something that happened during a chain run.
// StepIndex is -1 for chain-level events.
type Event struct {
	Sequence  int64          `json:"sequence,omitempty"`
	ChainID   string         `json:"chain_id"`
	RunID     string         `json:"run_id,omitempty"`
	Type      string         `json:"type"`
	StepIndex int            `json:"step_index"`
	Target    string         `json:"target,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds a chain-level event stamped with the current time.
func NewEvent(chainID, runID, eventType string) Event {
	return Event{
		ChainID:   chainID,
		RunID:     runID,
		Type:      eventType,
		StepIndex: -1,
		Timestamp: time.Now().UTC(),
	}
}

// ForStep returns a copy of e attributed to the given step.
func (e Event) ForStep(index int, target string) Event {
	e.StepIndex = index
	e.Target = target
	return e
}

// With returns a copy of e carrying payload.
func (e Event) With(payload map[string]any) Event {
	e.Payload = payload
	return e
}
