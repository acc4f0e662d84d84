package chain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(schema.ChainStatusPending, schema.ChainStatusRunning))
	assert.True(t, CanTransition(schema.ChainStatusRunning, schema.ChainStatusCancelled))
	assert.False(t, CanTransition(schema.ChainStatusCompleted, schema.ChainStatusCancelled))
	assert.False(t, CanTransition(schema.ChainStatusCancelled, schema.ChainStatusCompleted))
	assert.False(t, CanTransition(schema.ChainStatusRunning, schema.ChainStatusPending))
}

func TestFSM_TransitionEmitsAndRunsHooks(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.Put(&schema.ChainResult{ChainID: "c1", RunID: "r1", Status: schema.ChainStatusPending})
	events := &eventRecorder{}
	fsm := NewFSM(reg, NewEmitter(events, nil, nil))

	var hooked schema.ChainStatus
	fsm.OnTransition(schema.ChainStatusPending, schema.ChainStatusRunning, func(_ context.Context, res *schema.ChainResult, from schema.ChainStatus) {
		hooked = from
	})

	snap, ok := fsm.Transition(context.Background(), "c1", "r1", schema.ChainStatusRunning, nil)
	require.True(t, ok)
	assert.Equal(t, schema.ChainStatusRunning, snap.Status)
	assert.Equal(t, schema.ChainStatusPending, hooked)
	assert.Equal(t, []string{schema.EventChainStarted}, events.types())
}

func TestFSM_RejectsInvalidAndForeignRuns(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.Put(&schema.ChainResult{ChainID: "c1", RunID: "r1", Status: schema.ChainStatusCompleted})
	reg.Put(&schema.ChainResult{ChainID: "c2", RunID: "r2", Status: schema.ChainStatusRunning})
	events := &eventRecorder{}
	fsm := NewFSM(reg, NewEmitter(events, nil, nil))

	_, ok := fsm.Transition(context.Background(), "c1", "", schema.ChainStatusCancelled, nil)
	assert.False(t, ok)

	_, ok = fsm.Transition(context.Background(), "c2", "other-run", schema.ChainStatusCompleted, nil)
	assert.False(t, ok)

	_, ok = fsm.Transition(context.Background(), "missing", "", schema.ChainStatusCompleted, nil)
	assert.False(t, ok)
	assert.Empty(t, events.types())
}
