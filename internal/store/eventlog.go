package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/rendis/chainrun/pkg/schema"
)

// EventLog provides event-sourcing reads on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event replay.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, ev *schema.Event) error {
	return el.store.AppendEvent(ctx, ev)
}

// GetEvents returns events of a run with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// ReplayEvents rebuilds per-step states of a run from its events, ordered by
// step index. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) ([]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[int]*StepState)
	for _, e := range events {
		if e.StepIndex < 0 {
			continue
		}

		ss, ok := states[e.StepIndex]
		if !ok {
			ss = &StepState{
				RunID:  runID,
				Index:  e.StepIndex,
				Target: e.Target,
				Status: StepStatusPending,
			}
			states[e.StepIndex] = ss
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = StepStatusRunning
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = StepStatusCompleted
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = StepStatusFailed
			ss.CompletedAt = &ts
			if msg, ok := e.Payload["error"].(string); ok {
				ss.Error = msg
			}

		case schema.EventStepSkipped:
			ss.Status = StepStatusSkipped

		case schema.EventStepRetrying:
			ss.Status = StepStatusRetrying
			ss.RetryCount++
		}
	}

	out := make([]*StepState, 0, len(states))
	for _, ss := range states {
		out = append(out, ss)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
