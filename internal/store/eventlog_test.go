package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func appendAll(t *testing.T, el *EventLog, events ...schema.Event) {
	t.Helper()
	for i := range events {
		require.NoError(t, el.AppendEvent(context.Background(), &events[i]))
	}
}

func TestReplayEvents(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	start := time.Now().UTC().Truncate(time.Millisecond)
	at := func(ev schema.Event, d time.Duration) schema.Event {
		ev.Timestamp = start.Add(d)
		return ev
	}
	base := schema.NewEvent("c", "run", "")
	ev := func(typ string) schema.Event {
		e := base
		e.Type = typ
		return e
	}

	appendAll(t, el,
		ev(schema.EventChainStarted),
		at(ev(schema.EventStepStarted).ForStep(0, "echo"), 0),
		at(ev(schema.EventStepCompleted).ForStep(0, "echo"), 250*time.Millisecond),
		ev(schema.EventStepStarted).ForStep(1, "flaky"),
		ev(schema.EventStepRetrying).ForStep(1, "flaky"),
		ev(schema.EventStepFailed).ForStep(1, "flaky").With(map[string]any{"error": "boom"}),
		ev(schema.EventStepSkipped).ForStep(2, "maybe"),
		ev(schema.EventChainCompleted),
	)

	states, err := el.ReplayEvents(context.Background(), "run")
	require.NoError(t, err)
	require.Len(t, states, 3)

	assert.Equal(t, StepStatusCompleted, states[0].Status)
	assert.Equal(t, int64(250), states[0].DurationMs)
	assert.Equal(t, "echo", states[0].Target)

	assert.Equal(t, StepStatusFailed, states[1].Status)
	assert.Equal(t, 1, states[1].RetryCount)
	assert.Equal(t, "boom", states[1].Error)

	assert.Equal(t, StepStatusSkipped, states[2].Status)
}

func TestReplayEvents_Empty(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	states, err := el.ReplayEvents(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestReplayEvents_DetectsGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	appendAll(t, el,
		schema.NewEvent("c", "run", schema.EventChainStarted),
		schema.NewEvent("c", "run", schema.EventStepStarted).ForStep(0, "echo"),
	)
	_, err := s.DB().ExecContext(ctx, `DELETE FROM events WHERE run_id = 'run' AND sequence = 1`)
	require.NoError(t, err)

	_, err = el.ReplayEvents(ctx, "run")
	require.Error(t, err)
	ce, ok := err.(*schema.ChainError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, ce.Code)
}

func BenchmarkAppendEvent(b *testing.B) {
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev := schema.NewEvent("bench", "run", schema.EventStepCompleted).ForStep(i, "echo").
			With(map[string]any{"execution_time": 0.001})
		if err := s.AppendEvent(ctx, &ev); err != nil {
			b.Fatal(err)
		}
	}
}
