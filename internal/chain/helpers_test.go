package chain

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/chainrun/pkg/schema"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func (r *eventRecorder) AppendEvent(_ context.Context, ev *schema.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type chainRecorder struct {
	mu    sync.Mutex
	saved []*schema.ChainResult
}

func (r *chainRecorder) SaveChain(_ context.Context, res *schema.ChainResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, res)
	return nil
}

// fakeInvoker interprets targets:
//
//	fail*   -> failure with message "<target> failed"
//	sleep   -> waits kwargs["d"] (honoring ctx), then returns kwargs["v"]
//	block   -> signals started, then waits for ctx
//	stubborn-> ignores ctx and sleeps kwargs["d"]
//	panic   -> panics
//	echo    -> returns kwargs
//	other   -> returns the target name
type fakeInvoker struct {
	started chan string
}

func (f *fakeInvoker) Invoke(ctx context.Context, inv schema.Invocation) schema.StepOutcome {
	switch {
	case len(inv.Target) >= 4 && inv.Target[:4] == "fail":
		return schema.Failure(schema.NewError(schema.ErrCodeExecution, inv.Target+" failed"))
	case inv.Target == "sleep":
		d, _ := inv.Kwargs["d"].(time.Duration)
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return schema.Success(inv.Kwargs["v"])
		case <-ctx.Done():
			return schema.Failure(schema.NewError(schema.ErrCodeCancelled, ctx.Err().Error()))
		}
	case inv.Target == "block":
		if f.started != nil {
			f.started <- inv.ChainID
		}
		<-ctx.Done()
		return schema.Failure(schema.NewError(schema.ErrCodeCancelled, ctx.Err().Error()))
	case inv.Target == "stubborn":
		d, _ := inv.Kwargs["d"].(time.Duration)
		time.Sleep(d)
		return schema.Success("late")
	case inv.Target == "panic":
		panic("invoker exploded")
	case inv.Target == "echo":
		return schema.Success(inv.Kwargs)
	}
	return schema.Success(inv.Target)
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig) (*Executor, *fakeInvoker) {
	t.Helper()
	inv := &fakeInvoker{started: make(chan string, 16)}
	e, err := NewExecutor(inv, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, inv
}

func steps(targets ...string) []schema.Step {
	out := make([]schema.Step, len(targets))
	for i, target := range targets {
		out[i] = schema.Step{Target: target}
	}
	return out
}

func sleepStep(d time.Duration, v string) schema.Step {
	return schema.Step{Target: "sleep", Kwargs: map[string]any{"d": d, "v": v}}
}

func targets(res *schema.ChainResult) []string {
	out := make([]string, len(res.Steps))
	for i, r := range res.Steps {
		out[i] = fmt.Sprintf("%d:%s", r.Index, r.Target)
	}
	return out
}
