package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/chainrun/internal/expressions"
	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/pkg/schema"
)

// DefaultPoolSize is the default number of parallel-mode steps running at once.
const DefaultPoolSize = 10

// DefaultCleanupBatch caps how many chains one Cleanup call evicts.
const DefaultCleanupBatch = 10

// StepInvoker performs the work of one step. Implementations never return a Go
// error: failures, panics included, are reported in the StepOutcome.
type StepInvoker interface {
	Invoke(ctx context.Context, inv schema.Invocation) schema.StepOutcome
}

// InvokerFunc adapts a function to StepInvoker.
type InvokerFunc func(ctx context.Context, inv schema.Invocation) schema.StepOutcome

func (f InvokerFunc) Invoke(ctx context.Context, inv schema.Invocation) schema.StepOutcome {
	return f(ctx, inv)
}

// ExecutorConfig holds configuration for the executor. Zero values select defaults.
type ExecutorConfig struct {
	PoolSize           int
	CleanupBatch       int
	DefaultTimeout     time.Duration
	DefaultStepTimeout time.Duration

	// Conditions evaluates conditional-mode conditions; nil selects CEL.
	Conditions expressions.Engine
	// Registry tracks chains; nil selects a MemoryRegistry.
	Registry Registry

	Events    EventAppender
	Publisher Publisher
	Recorder  Recorder
	Logger    *slog.Logger
}

// Executor runs chains of plugin steps and tracks them for status polling,
// cancellation and cleanup.
type Executor struct {
	invoker    StepInvoker
	registry   Registry
	pool       *WorkerPool
	conditions *ConditionEvaluator
	emitter    *Emitter
	fsm        *FSM
	recorder   Recorder
	logger     *slog.Logger
	config     ExecutorConfig

	counter atomic.Int64
	now     func() time.Time

	// mu guards active.
	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	runID  string
	cancel context.CancelCauseFunc
}

// chainRun is the immutable description of one Execute call.
type chainRun struct {
	id          string
	runID       string
	mode        schema.Mode
	policy      schema.FailurePolicy
	stepTimeout time.Duration
	steps       []schema.Step
}

var (
	errChainCancelled = errors.New("chain cancelled")
	errChainTimeout   = errors.New("chain timeout exceeded")
	errStepTimeout    = errors.New("step timeout exceeded")
	errSiblingFailed  = errors.New("sibling step failed")
)

// NewExecutor creates an Executor that runs steps through invoker.
func NewExecutor(invoker StepInvoker, cfg ExecutorConfig) (*Executor, error) {
	if invoker == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step invoker is nil")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = DefaultCleanupBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewMemoryRegistry()
	}
	if cfg.Conditions == nil {
		engine, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		cfg.Conditions = engine
	}

	emitter := NewEmitter(cfg.Events, cfg.Publisher, cfg.Logger)
	return &Executor{
		invoker:    invoker,
		registry:   cfg.Registry,
		pool:       NewWorkerPool(cfg.PoolSize),
		conditions: NewConditionEvaluator(cfg.Conditions),
		emitter:    emitter,
		fsm:        NewFSM(cfg.Registry, emitter),
		recorder:   cfg.Recorder,
		logger:     cfg.Logger,
		config:     cfg,
		now:        time.Now,
		active:     make(map[string]*activeRun),
	}, nil
}

// FSM exposes the chain state machine so callers can hook transitions.
func (e *Executor) FSM() *FSM {
	return e.fsm
}

// Emitter returns the executor's event emitter.
func (e *Executor) Emitter() *Emitter {
	return e.emitter
}

// PoolMetrics reports worker pool usage.
func (e *Executor) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Close stops the worker pool after in-flight parallel steps finish.
func (e *Executor) Close() {
	e.pool.Shutdown()
}

// Execute runs steps and returns the terminal result. It never fails with a Go
// error: invalid options, step failures, timeouts and internal faults all come
// back as a failed (or cancelled) ChainResult.
func (e *Executor) Execute(ctx context.Context, steps []schema.Step, opts ...Option) *schema.ChainResult {
	run, timeout, start := e.prepare(steps, opts)
	return e.execute(ctx, run, timeout, start)
}

// Start registers steps as a pending chain and runs it in the background,
// detached from the cancellation of ctx. Status finds the chain as soon as
// Start returns. The channel receives the terminal result.
func (e *Executor) Start(ctx context.Context, steps []schema.Step, opts ...Option) (string, <-chan *schema.ChainResult) {
	run, timeout, start := e.prepare(steps, opts)
	done := make(chan *schema.ChainResult, 1)
	go func() {
		done <- e.execute(context.WithoutCancel(ctx), run, timeout, start)
	}()
	return run.id, done
}

// prepare resolves the options and puts the pending entry in the registry.
func (e *Executor) prepare(steps []schema.Step, opts []Option) (*chainRun, time.Duration, time.Time) {
	o := runOptions{
		mode:        schema.ModeSequential,
		timeout:     e.config.DefaultTimeout,
		stepTimeout: e.config.DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chainID == "" {
		o.chainID = fmt.Sprintf("chain_%d", e.counter.Add(1))
	}
	if o.policy == "" {
		o.policy = o.mode.DefaultPolicy()
	}

	run := &chainRun{
		id:          o.chainID,
		runID:       uuid.NewString(),
		mode:        o.mode,
		policy:      o.policy,
		stepTimeout: o.stepTimeout,
		steps:       steps,
	}
	start := e.now()
	e.registry.Put(&schema.ChainResult{
		ChainID:    run.id,
		RunID:      run.runID,
		Mode:       run.mode,
		Policy:     run.policy,
		Status:     schema.ChainStatusPending,
		Steps:      []schema.StepResult{},
		TotalSteps: len(steps),
		StartedAt:  start,
	})
	return run, o.timeout, start
}

func (e *Executor) execute(ctx context.Context, run *chainRun, timeout time.Duration, start time.Time) *schema.ChainResult {
	ctx = logging.WithChainID(ctx, run.id)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, timeout, errChainTimeout)
		defer cancelTimeout()
	}
	e.track(run, cancel)
	defer e.untrack(run)

	if err := run.validate(); err != nil {
		return e.finish(ctx, run, start, err)
	}
	if _, ok := e.fsm.Transition(ctx, run.id, run.runID, schema.ChainStatusRunning, nil); !ok {
		return e.finish(ctx, run, start, nil)
	}
	e.logger.InfoContext(ctx, "chain started",
		slog.String("mode", string(run.mode)),
		slog.String("policy", string(run.policy)),
		slog.Int("steps", len(run.steps)),
	)

	return e.finish(ctx, run, start, e.runMode(runCtx, run))
}

func (r *chainRun) validate() *schema.ChainError {
	if !r.mode.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown execution mode %q", r.mode)
	}
	if r.policy != schema.FailFast && r.policy != schema.BestEffort {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown failure policy %q", r.policy)
	}
	return nil
}

// runMode dispatches to the mode's runner, converting a panic into a chain error.
func (e *Executor) runMode(ctx context.Context, run *chainRun) (chainErr *schema.ChainError) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "chain panicked", "panic", r, "stack", string(debug.Stack()))
			chainErr = schema.NewErrorf(schema.ErrCodeExecution, "internal fault: %v", r)
		}
	}()

	switch run.mode {
	case schema.ModeParallel:
		return e.runParallel(ctx, run)
	case schema.ModeConditional:
		return e.runConditional(ctx, run)
	default:
		return e.runSequential(ctx, run)
	}
}

// finish moves the chain to its terminal status. A chain already terminal
// (cancelled through Cancel) keeps its status.
func (e *Executor) finish(ctx context.Context, run *chainRun, start time.Time, chainErr *schema.ChainError) *schema.ChainResult {
	now := e.now()
	status := schema.ChainStatusCompleted
	switch {
	case chainErr != nil && chainErr.Code == schema.ErrCodeCancelled:
		status = schema.ChainStatusCancelled
	case chainErr != nil:
		status = schema.ChainStatusFailed
	}

	snap, ok := e.fsm.Transition(ctx, run.id, run.runID, status, func(res *schema.ChainResult) {
		res.ExecutionTime = now.Sub(start).Seconds()
		res.CompletedAt = &now
		res.Error = chainErr
	})
	if !ok {
		snap = nil
		if cur, found := e.registry.Get(run.id); found && cur.RunID == run.runID {
			snap = cur
		}
	}
	if snap == nil {
		// The entry was evicted or replaced by a run reusing the ID.
		snap = &schema.ChainResult{
			ChainID: run.id, RunID: run.runID, Mode: run.mode, Policy: run.policy,
			Status: status, Steps: []schema.StepResult{}, TotalSteps: len(run.steps),
			StartedAt: start, CompletedAt: &now, ExecutionTime: now.Sub(start).Seconds(), Error: chainErr,
		}
	}

	e.logger.InfoContext(ctx, "chain finished",
		slog.String("status", string(snap.Status)),
		slog.Int("completed_steps", snap.CompletedSteps),
		slog.Int("total_steps", snap.TotalSteps),
		slog.Float64("execution_time", snap.ExecutionTime),
	)

	if e.recorder != nil && snap.Status.IsTerminal() {
		if err := e.recorder.SaveChain(context.WithoutCancel(ctx), snap); err != nil {
			e.logger.WarnContext(ctx, "persist chain failed", "error", err)
		}
	}
	return snap
}

// Status returns a snapshot of the chain, or false if it is unknown.
func (e *Executor) Status(id string) (*schema.ChainResult, bool) {
	return e.registry.Get(id)
}

// ListActive returns the IDs of running chains, sorted.
func (e *Executor) ListActive() []string {
	var ids []string
	for _, res := range e.registry.List() {
		if res.Status == schema.ChainStatusRunning {
			ids = append(ids, res.ChainID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Cancel marks a non-terminal chain cancelled and interrupts its in-flight steps.
// It returns false, changing nothing, for unknown or terminal chains.
func (e *Executor) Cancel(id string) bool {
	now := e.now()
	snap, ok := e.fsm.Transition(context.Background(), id, "", schema.ChainStatusCancelled, func(res *schema.ChainResult) {
		res.CompletedAt = &now
		res.ExecutionTime = now.Sub(res.StartedAt).Seconds()
		res.Error = schema.NewError(schema.ErrCodeCancelled, "chain cancelled")
	})
	if !ok {
		return false
	}

	e.mu.Lock()
	if ar, found := e.active[id]; found && ar.runID == snap.RunID {
		ar.cancel(errChainCancelled)
	}
	e.mu.Unlock()

	e.logger.Info("chain cancelled", slog.String("chain_id", id))
	return true
}

// Cleanup evicts terminal chains that completed at least maxAge ago, oldest
// first, at most CleanupBatch per call. Running chains are never evicted.
// Returns the evicted IDs.
func (e *Executor) Cleanup(maxAge time.Duration) []string {
	cutoff := e.now().Add(-maxAge)

	var candidates []*schema.ChainResult
	for _, res := range e.registry.List() {
		if res.Status.IsTerminal() && res.CompletedAt != nil && !res.CompletedAt.After(cutoff) {
			candidates = append(candidates, res)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].CompletedAt, candidates[j].CompletedAt
		if a.Equal(*b) {
			return candidates[i].ChainID < candidates[j].ChainID
		}
		return a.Before(*b)
	})

	evicted := make([]string, 0, e.config.CleanupBatch)
	for _, c := range candidates {
		if len(evicted) == e.config.CleanupBatch {
			break
		}
		runID := c.RunID
		if e.registry.Delete(c.ChainID, func(res *schema.ChainResult) bool {
			return res.RunID == runID && res.Status.IsTerminal()
		}) {
			evicted = append(evicted, c.ChainID)
		}
	}
	if len(evicted) > 0 {
		e.logger.Info("chains evicted", slog.Int("count", len(evicted)), slog.Duration("max_age", maxAge))
	}
	return evicted
}

func (e *Executor) track(run *chainRun, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[run.id] = &activeRun{runID: run.runID, cancel: cancel}
}

func (e *Executor) untrack(run *chainRun) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ar, ok := e.active[run.id]; ok && ar.runID == run.runID {
		delete(e.active, run.id)
	}
}

// interruption describes why ctx ended as a chain error.
func interruption(ctx context.Context) *schema.ChainError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errChainCancelled):
		return schema.NewError(schema.ErrCodeCancelled, "chain cancelled")
	case errors.Is(cause, errSiblingFailed):
		return schema.NewError(schema.ErrCodeCancelled, "cancelled after a sibling step failed")
	case errors.Is(cause, errChainTimeout):
		return schema.NewError(schema.ErrCodeTimeout, "chain timed out")
	case errors.Is(cause, errStepTimeout):
		return schema.NewError(schema.ErrCodeTimeout, "step timed out")
	case errors.Is(cause, context.DeadlineExceeded):
		return schema.NewError(schema.ErrCodeTimeout, "deadline exceeded").WithCause(cause)
	case cause != nil:
		return schema.NewError(schema.ErrCodeCancelled, cause.Error()).WithCause(cause)
	}
	return schema.NewError(schema.ErrCodeCancelled, "context cancelled")
}
