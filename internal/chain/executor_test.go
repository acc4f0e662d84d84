package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/internal/expressions"
	"github.com/rendis/chainrun/pkg/schema"
)

func TestNewExecutor_RequiresInvoker(t *testing.T) {
	_, err := NewExecutor(nil, ExecutorConfig{})
	assert.Error(t, err)
}

func TestExecute_SequentialAllSucceed(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("A", "B", "C"))

	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.Equal(t, 3, res.CompletedSteps)
	assert.Equal(t, 3, res.TotalSteps)
	assert.Equal(t, []string{"0:A", "1:B", "2:C"}, targets(res))
	assert.Equal(t, "B", res.Steps[1].Payload)
	assert.Equal(t, schema.DefaultOperation, res.Steps[0].Operation)
	assert.Nil(t, res.Error)
	assert.NotEmpty(t, res.RunID)
	require.NotNil(t, res.CompletedAt)
	assert.GreaterOrEqual(t, res.ExecutionTime, 0.0)
}

func TestExecute_SequentialStopsAtFirstFailure(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("failA", "B", "C"))

	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	assert.Equal(t, 1, res.CompletedSteps)
	assert.Equal(t, 3, res.TotalSteps)
	require.Len(t, res.Steps, 1)
	assert.False(t, res.Steps[0].Success)
	require.NotNil(t, res.Error)
	assert.Equal(t, "failA failed", res.ErrorMessage())
	assert.Equal(t, schema.ErrCodeStepFailed, res.Error.Code)
	assert.Equal(t, 0, res.Error.StepIndex)
}

func TestExecute_SequentialFailureInTheMiddle(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	for i := 0; i < 4; i++ {
		ts := []string{"A", "B", "C", "D"}
		ts[i] = "fail"
		res := e.Execute(context.Background(), steps(ts...))

		assert.Equal(t, schema.ChainStatusFailed, res.Status)
		assert.Equal(t, i+1, res.CompletedSteps)
		require.Len(t, res.Steps, i+1)
		for _, r := range res.Steps {
			assert.LessOrEqual(t, r.Index, i)
		}
	}
}

func TestExecute_SequentialBestEffort(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("A", "failB", "C"), WithFailurePolicy(schema.BestEffort))

	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.Equal(t, 3, res.CompletedSteps)
	require.Len(t, res.Steps, 3)
	assert.False(t, res.Steps[1].Success)
	assert.True(t, res.Steps[2].Success)
}

func TestExecute_EmptyChain(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	for _, mode := range []schema.Mode{schema.ModeSequential, schema.ModeParallel, schema.ModeConditional} {
		res := e.Execute(context.Background(), nil, WithMode(mode))
		assert.Equal(t, schema.ChainStatusCompleted, res.Status, mode)
		assert.Zero(t, res.TotalSteps)
		assert.Zero(t, res.CompletedSteps)
		assert.Empty(t, res.Steps)
	}
}

func TestExecute_ChainIDs(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	first := e.Execute(context.Background(), steps("A"))
	second := e.Execute(context.Background(), steps("A"))
	custom := e.Execute(context.Background(), steps("A"), WithChainID("mine"))

	assert.Equal(t, "chain_1", first.ChainID)
	assert.Equal(t, "chain_2", second.ChainID)
	assert.Equal(t, "mine", custom.ChainID)
	assert.NotEqual(t, first.RunID, second.RunID)

	again := e.Execute(context.Background(), steps("A", "B"), WithChainID("mine"))
	got, ok := e.Status("mine")
	require.True(t, ok)
	assert.Equal(t, again.RunID, got.RunID, "a reused ID replaces the registry entry")
}

func TestExecute_InvalidModeAndPolicy(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("A"), WithMode("sideways"))
	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeValidation, res.Error.Code)
	assert.Empty(t, res.Steps)

	res = e.Execute(context.Background(), steps("A"), WithFailurePolicy("yolo"))
	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeValidation, res.Error.Code)
}

func TestExecute_InvokerPanicBecomesStepFailure(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("panic"))
	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.ErrCodeExecution, res.Steps[0].Error.Code)
	assert.Contains(t, res.ErrorMessage(), "invoker exploded")
}

func TestExecute_ParallelPreservesInputOrder(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), []schema.Step{
		sleepStep(60*time.Millisecond, "A"),
		sleepStep(time.Millisecond, "B"),
		sleepStep(30*time.Millisecond, "C"),
	}, WithMode(schema.ModeParallel))

	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.Equal(t, 3, res.CompletedSteps)
	require.Len(t, res.Steps, 3)
	for i, want := range []string{"A", "B", "C"} {
		assert.Equal(t, i, res.Steps[i].Index)
		assert.Equal(t, want, res.Steps[i].Payload)
	}
	assert.True(t, res.Steps[1].StartedAt.Sub(res.Steps[0].StartedAt) < 60*time.Millisecond, "steps overlap")
}

func TestExecute_ParallelBestEffortCountsSuccesses(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("A", "failB", "C", "failD"), WithMode(schema.ModeParallel))

	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.Equal(t, 2, res.CompletedSteps)
	assert.Len(t, res.Steps, 4)
	assert.Equal(t, "failB failed", res.Steps[1].ErrorMessage())
}

func TestExecute_ParallelFailFastCancelsSiblings(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	start := time.Now()
	res := e.Execute(context.Background(), []schema.Step{
		sleepStep(5*time.Second, "slow"),
		{Target: "failFast"},
	}, WithMode(schema.ModeParallel), WithFailurePolicy(schema.FailFast))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, schema.ErrCodeCancelled, res.Steps[0].Error.Code)
	assert.Equal(t, "failFast failed", res.ErrorMessage())
	assert.Equal(t, 1, res.Error.StepIndex)
}

func TestExecute_ParallelBoundedByPool(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{PoolSize: 2})

	ss := make([]schema.Step, 6)
	for i := range ss {
		ss[i] = sleepStep(40*time.Millisecond, fmt.Sprint(i))
	}
	start := time.Now()
	res := e.Execute(context.Background(), ss, WithMode(schema.ModeParallel))

	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.GreaterOrEqual(t, time.Since(start), 110*time.Millisecond, "6 steps on 2 workers need 3 rounds")
}

func TestExecute_ConditionalSkipsOnPriorFailure(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})
	gated := schema.Step{Target: "B", Condition: "ctx.step_0_success"}

	res := e.Execute(context.Background(), []schema.Step{{Target: "failA"}, gated}, WithMode(schema.ModeConditional))
	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[1].Skipped)
	assert.True(t, res.Steps[1].Success)
	assert.Nil(t, res.Steps[1].Payload)

	res = e.Execute(context.Background(), []schema.Step{{Target: "A"}, gated}, WithMode(schema.ModeConditional))
	require.Len(t, res.Steps, 2)
	assert.False(t, res.Steps[1].Skipped)
	assert.Equal(t, "B", res.Steps[1].Payload)
}

func TestExecute_ConditionalStepsList(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), []schema.Step{
		{Target: "A"},
		{Target: "B", Condition: `steps[0].result == "A" && !steps[0].skipped`},
		{Target: "C", Condition: `size(steps) == 5`},
	}, WithMode(schema.ModeConditional))

	require.Len(t, res.Steps, 3)
	assert.False(t, res.Steps[1].Skipped)
	assert.True(t, res.Steps[2].Skipped)
}

func TestExecute_ConditionalWithExprEngine(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{Conditions: expressions.NewExprEngine()})

	res := e.Execute(context.Background(), []schema.Step{
		{Target: "failA"},
		{Target: "B", Condition: "!step_0_success"},
		{Target: "C", Condition: "succeeded(0)"},
	}, WithMode(schema.ModeConditional))

	require.Len(t, res.Steps, 3)
	assert.False(t, res.Steps[1].Skipped)
	assert.True(t, res.Steps[2].Skipped)
}

func TestExecute_ConditionalPredicateWins(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	var seen map[string]any
	res := e.Execute(context.Background(), []schema.Step{
		{Target: "A"},
		{Target: "B", Condition: "false", Predicate: func(c map[string]any) (bool, error) {
			seen = c
			return true, nil
		}},
		{Target: "C", Predicate: func(map[string]any) (bool, error) { return false, errors.New("bad predicate") }},
	}, WithMode(schema.ModeConditional))

	require.Len(t, res.Steps, 3)
	assert.False(t, res.Steps[1].Skipped)
	assert.Equal(t, true, seen["step_0_success"])
	assert.Equal(t, "A", seen["step_0_result"])
	assert.Equal(t, schema.ErrCodeValidation, res.Steps[2].Error.Code)
}

func TestExecute_ConditionalBadConditionFailsStep(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), []schema.Step{
		{Target: "A", Condition: "this is not cel"},
		{Target: "B", Condition: `"not a bool"`},
		{Target: "C"},
	}, WithMode(schema.ModeConditional))

	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	require.Len(t, res.Steps, 3)
	assert.Equal(t, schema.ErrCodeValidation, res.Steps[0].Error.Code)
	assert.Equal(t, schema.ErrCodeValidation, res.Steps[1].Error.Code)
	assert.True(t, res.Steps[2].Success)

	res = e.Execute(context.Background(), []schema.Step{
		{Target: "A", Condition: "this is not cel"},
		{Target: "B"},
	}, WithMode(schema.ModeConditional), WithFailurePolicy(schema.FailFast))
	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	assert.Len(t, res.Steps, 1)
}

func TestExecute_ConditionalInterpolatesPriorResults(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), []schema.Step{
		{Target: "A"},
		{Target: "echo", Kwargs: map[string]any{"prev": "${{ step_0_result }}", "msg": "got ${{ step_0_result }}"}},
		{Target: "echo", Kwargs: map[string]any{"x": "${{ nope }}"}},
	}, WithMode(schema.ModeConditional))

	require.Len(t, res.Steps, 3)
	assert.Equal(t, map[string]any{"prev": "A", "msg": "got A"}, res.Steps[1].Payload)
	assert.Equal(t, schema.ErrCodeValidation, res.Steps[2].Error.Code)
}

func TestExecute_StepTimeout(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	slow := sleepStep(5*time.Second, "never")
	slow.Timeout = 20 * time.Millisecond
	res := e.Execute(context.Background(), []schema.Step{slow, {Target: "B"}})

	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.ErrCodeTimeout, res.Steps[0].Error.Code)

	res = e.Execute(context.Background(), []schema.Step{sleepStep(5*time.Second, "never")},
		WithStepTimeout(20*time.Millisecond))
	assert.Equal(t, schema.ErrCodeTimeout, res.Steps[0].Error.Code)
}

func TestExecute_StepTimeoutWithUncooperativeInvoker(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	start := time.Now()
	res := e.Execute(context.Background(),
		[]schema.Step{{Target: "stubborn", Kwargs: map[string]any{"d": 150 * time.Millisecond}}},
		WithStepTimeout(10*time.Millisecond))

	assert.Less(t, time.Since(start), 120*time.Millisecond)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, schema.ErrCodeTimeout, res.Steps[0].Error.Code)
	time.Sleep(200 * time.Millisecond)
}

func TestExecute_ChainTimeout(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), []schema.Step{
		sleepStep(time.Millisecond, "A"),
		sleepStep(5*time.Second, "B"),
		{Target: "C"},
	}, WithTimeout(30*time.Millisecond), WithFailurePolicy(schema.BestEffort))

	assert.Equal(t, schema.ChainStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeTimeout, res.Error.Code)
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[0].Success)
	assert.Equal(t, schema.ErrCodeTimeout, res.Steps[1].Error.Code)
}

func TestExecute_CallerCancellation(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := e.Execute(ctx, steps("A", "B"))

	assert.Equal(t, schema.ChainStatusCancelled, res.Status)
	assert.Empty(t, res.Steps)
}

func TestStatus_IdempotentAfterTerminal(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	res := e.Execute(context.Background(), steps("A", "B"), WithChainID("c"))
	first, ok := e.Status("c")
	require.True(t, ok)
	second, _ := e.Status("c")

	assert.Equal(t, res, first)
	assert.Equal(t, first, second)

	first.Steps[0].Target = "mutated"
	third, _ := e.Status("c")
	assert.Equal(t, "A", third.Steps[0].Target)

	_, ok = e.Status("unknown")
	assert.False(t, ok)
}

func TestCancel_RunningChain(t *testing.T) {
	events := &eventRecorder{}
	e, inv := newTestExecutor(t, ExecutorConfig{Events: events})

	done := make(chan *schema.ChainResult, 1)
	go func() {
		done <- e.Execute(context.Background(), steps("A", "block", "C"), WithChainID("c"))
	}()
	<-inv.started

	assert.Equal(t, []string{"c"}, e.ListActive())
	assert.True(t, e.Cancel("c"))
	assert.False(t, e.Cancel("c"), "cancel flips status exactly once")

	var res *schema.ChainResult
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled chain did not stop")
	}

	assert.Equal(t, schema.ChainStatusCancelled, res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Error.Code)
	assert.Len(t, res.Steps, 1, "the interrupted step is not recorded after cancellation")
	assert.Empty(t, e.ListActive())
	assert.Contains(t, events.types(), schema.EventChainCancelled)
	assert.NotContains(t, events.types(), schema.EventChainCompleted)

	got, _ := e.Status("c")
	assert.Equal(t, schema.ChainStatusCancelled, got.Status)
}

func TestCancel_ParallelChain(t *testing.T) {
	e, inv := newTestExecutor(t, ExecutorConfig{})

	done := make(chan *schema.ChainResult, 1)
	go func() {
		done <- e.Execute(context.Background(), steps("block", "block"), WithMode(schema.ModeParallel), WithChainID("p"))
	}()
	<-inv.started
	<-inv.started

	require.True(t, e.Cancel("p"))
	res := <-done
	assert.Equal(t, schema.ChainStatusCancelled, res.Status)
}

func TestCancel_UnknownOrTerminal(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	assert.False(t, e.Cancel("nope"))

	res := e.Execute(context.Background(), steps("A"), WithChainID("done"))
	assert.False(t, e.Cancel("done"))
	got, _ := e.Status("done")
	assert.Equal(t, res, got)
}

func TestCleanup_EvictsAtMostBatch(t *testing.T) {
	e, inv := newTestExecutor(t, ExecutorConfig{})

	for i := 0; i < 12; i++ {
		e.Execute(context.Background(), steps("A"), WithChainID(fmt.Sprintf("t%02d", i)))
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Execute(context.Background(), steps("block"), WithChainID("running"))
	}()
	<-inv.started

	evicted := e.Cleanup(0)
	assert.Len(t, evicted, 10)
	assert.NotContains(t, evicted, "running")
	assert.Equal(t, "t00", evicted[0], "oldest first")

	_, ok := e.Status("running")
	assert.True(t, ok)

	evicted = e.Cleanup(0)
	assert.Len(t, evicted, 2)
	assert.Empty(t, e.Cleanup(0))

	e.Cancel("running")
	<-done
}

func TestCleanup_HonorsMaxAge(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{CleanupBatch: 50})

	e.Execute(context.Background(), steps("A"), WithChainID("old"))
	e.now = func() time.Time { return time.Now().Add(time.Hour) }
	e.Execute(context.Background(), steps("A"), WithChainID("new"))

	assert.Equal(t, []string{"old"}, e.Cleanup(30*time.Minute))
	_, ok := e.Status("new")
	assert.True(t, ok)
}

func TestExecute_EmitsEventsAndRecordsResult(t *testing.T) {
	events := &eventRecorder{}
	rec := &chainRecorder{}
	e, _ := newTestExecutor(t, ExecutorConfig{Events: events, Recorder: rec})

	res := e.Execute(context.Background(), steps("A", "failB"))

	assert.Equal(t, []string{
		schema.EventChainStarted,
		schema.EventStepStarted, schema.EventStepCompleted,
		schema.EventStepStarted, schema.EventStepFailed,
		schema.EventChainFailed,
	}, events.types())
	require.Len(t, rec.saved, 1)
	assert.Equal(t, res.RunID, rec.saved[0].RunID)
	assert.Equal(t, schema.ChainStatusFailed, rec.saved[0].Status)
}

func TestFSMHook_SeesTerminalTransition(t *testing.T) {
	e, _ := newTestExecutor(t, ExecutorConfig{})

	var finished []string
	e.FSM().OnTransition(schema.ChainStatusRunning, schema.ChainStatusCompleted,
		func(_ context.Context, res *schema.ChainResult, _ schema.ChainStatus) {
			finished = append(finished, res.ChainID)
		})

	e.Execute(context.Background(), steps("A"), WithChainID("x"))
	assert.Equal(t, []string{"x"}, finished)
}
