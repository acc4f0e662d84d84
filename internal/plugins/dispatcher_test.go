package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

type recordingValidator struct {
	err   error
	calls int
}

func (v *recordingValidator) ValidateInput(_ map[string]any, _ []byte) error {
	v.calls++
	return v.err
}

type eventLog struct {
	mu     sync.Mutex
	events []schema.Event
}

func (l *eventLog) add(_ context.Context, ev schema.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Type
	}
	return out
}

func inv(target string) schema.Invocation {
	return schema.Invocation{ChainID: "chain_1", StepIndex: 2, Target: target, Operation: "execute"}
}

func TestDispatcher_Success(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(newFunc("upper", func(_ context.Context, req Request) (any, error) {
		return map[string]any{"op": req.Operation, "n": len(req.Args)}, nil
	}))
	d := NewDispatcher(reg, DispatcherConfig{})

	in := inv("upper")
	in.Args = []any{1, 2}
	out := d.Invoke(context.Background(), in)
	require.True(t, out.Succeeded())
	assert.Equal(t, map[string]any{"op": "execute", "n": 2}, out.Payload)
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatcher_UnknownTarget(t *testing.T) {
	d := NewDispatcher(NewRegistry(), DispatcherConfig{})
	out := d.Invoke(context.Background(), inv("ghost"))
	require.False(t, out.Succeeded())
	assert.Equal(t, schema.ErrCodePluginUnavailable, out.Error.Code)
	assert.Equal(t, 2, out.Error.StepIndex)
	assert.Equal(t, "ghost", out.Error.Target)
}

func TestDispatcher_PlainErrorBecomesExecutionError(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(newFunc("bad", func(context.Context, Request) (any, error) {
		return nil, errors.New("disk full")
	}))
	out := NewDispatcher(reg, DispatcherConfig{}).Invoke(context.Background(), inv("bad"))
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeExecution, out.Error.Code)
	assert.Equal(t, "disk full", out.Error.Message)
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(newFunc("boom", func(context.Context, Request) (any, error) {
		panic("kaboom")
	}))
	out := NewDispatcher(reg, DispatcherConfig{}).Invoke(context.Background(), inv("boom"))
	require.NotNil(t, out.Error)
	assert.Contains(t, out.Error.Message, "kaboom")
}

func TestDispatcher_TimeoutBecomesTimeoutError(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&delayPlugin{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	in := inv("delay")
	in.Kwargs = map[string]any{"duration": "1s"}
	out := NewDispatcher(reg, DispatcherConfig{}).Invoke(ctx, in)
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeTimeout, out.Error.Code)
}

func TestDispatcher_ValidatesKwargsAgainstSchema(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Func{
		PluginName: "typed",
		Spec:       Schema{InputSchema: json.RawMessage(`{"type":"object"}`)},
		Fn:         func(context.Context, Request) (any, error) { return "ran", nil },
	}, okFunc("untyped"))

	v := &recordingValidator{err: schema.NewError(schema.ErrCodeValidation, "/x: required")}
	d := NewDispatcher(reg, DispatcherConfig{Validator: v})

	out := d.Invoke(context.Background(), inv("typed"))
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeValidation, out.Error.Code)
	assert.Equal(t, 1, v.calls)

	out = d.Invoke(context.Background(), inv("untyped"))
	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, v.calls, "plugins without a schema skip validation")
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.MustRegister(newFunc("flaky", func(context.Context, Request) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return "ok", nil
	}))
	log := &eventLog{}
	d := NewDispatcher(reg, DispatcherConfig{
		Retry:   RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond},
		OnEvent: log.add,
	})

	out := d.Invoke(context.Background(), inv("flaky"))
	require.True(t, out.Succeeded())
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []string{schema.EventStepRetrying, schema.EventStepRetrying}, log.types())
}

func TestDispatcher_NonRetryableStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.MustRegister(newFunc("invalid", func(context.Context, Request) (any, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
	}))
	d := NewDispatcher(reg, DispatcherConfig{Retry: RetryPolicy{MaxAttempts: 4}})

	out := d.Invoke(context.Background(), inv("invalid"))
	require.NotNil(t, out.Error)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatcher_PlainPermanentErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	reg := NewRegistry()
	reg.MustRegister(newFunc("full", func(context.Context, Request) (any, error) {
		calls.Add(1)
		return nil, errors.New("disk full")
	}))
	d := NewDispatcher(reg, DispatcherConfig{Retry: RetryPolicy{MaxAttempts: 4}})

	out := d.Invoke(context.Background(), inv("full"))
	require.NotNil(t, out.Error)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatcher_RetryExhaustedRecordsAttempts(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&failPlugin{})
	d := NewDispatcher(reg, DispatcherConfig{Retry: RetryPolicy{MaxAttempts: 3}})

	out := d.Invoke(context.Background(), inv("fail"))
	require.NotNil(t, out.Error)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 3, out.Error.Details["attempts"])
}

func TestDispatcher_CircuitOpensAndRejects(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&failPlugin{})
	log := &eventLog{}
	d := NewDispatcher(reg, DispatcherConfig{
		CircuitBreaker: CircuitBreakerConfig{FailureThreshold: 2, Cooldown: time.Hour},
		OnEvent:        log.add,
	})

	d.Invoke(context.Background(), inv("fail"))
	d.Invoke(context.Background(), inv("fail"))
	out := d.Invoke(context.Background(), inv("fail"))

	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeCircuitOpen, out.Error.Code)
	assert.Equal(t, 0, out.Attempts)
	assert.Contains(t, log.types(), schema.EventCircuitBreakerOpen)
	assert.Equal(t, CircuitOpen, d.Breakers().State("fail"))
}

func TestToChainError_CopiesChainErrors(t *testing.T) {
	orig := schema.NewError(schema.ErrCodeStepFailed, "nope").WithDetails(map[string]any{"a": 1})
	got := ToChainError(context.Background(), orig)
	got.WithStep(4, "t")
	got.Details["b"] = 2

	assert.Equal(t, -1, orig.StepIndex)
	assert.NotContains(t, orig.Details, "b")
}
