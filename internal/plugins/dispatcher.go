package plugins

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"

	"github.com/rendis/chainrun/internal/logging"
	"github.com/rendis/chainrun/pkg/schema"
)

// InputValidator checks kwargs against a plugin's JSON input schema.
type InputValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// EventFunc receives dispatcher events (retries, breaker transitions).
type EventFunc func(ctx context.Context, ev schema.Event)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Retry          RetryPolicy
	CircuitBreaker CircuitBreakerConfig
	Validator      InputValidator
	OnEvent        EventFunc
	Logger         *slog.Logger
}

// Dispatcher routes step invocations to registered plugins. It never returns a Go
// error: every failure, panic included, is encoded in the StepOutcome.
type Dispatcher struct {
	registry  *Registry
	breakers  *CircuitBreakers
	retry     RetryPolicy
	validator InputValidator
	onEvent   EventFunc
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher over registry.
func NewDispatcher(registry *Registry, cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		breakers:  NewCircuitBreakers(cfg.CircuitBreaker),
		retry:     cfg.Retry,
		validator: cfg.Validator,
		onEvent:   cfg.OnEvent,
		logger:    logger,
	}
}

// Registry returns the plugin registry the dispatcher routes to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Breakers exposes per-target circuit state.
func (d *Dispatcher) Breakers() *CircuitBreakers {
	return d.breakers
}

// Invoke runs inv against its target plugin.
func (d *Dispatcher) Invoke(ctx context.Context, inv schema.Invocation) schema.StepOutcome {
	ctx = logging.WithStep(logging.WithChainID(ctx, inv.ChainID), inv.StepIndex, inv.Target)

	plugin, err := d.registry.Get(inv.Target)
	if err != nil {
		return schema.StepOutcome{Error: d.stepError(ctx, inv, err)}
	}

	if d.validator != nil {
		if in := plugin.Schema().InputSchema; len(in) > 0 {
			kwargs := inv.Kwargs
			if kwargs == nil {
				kwargs = map[string]any{}
			}
			if err := d.validator.ValidateInput(kwargs, in); err != nil {
				return schema.StepOutcome{Error: d.stepError(ctx, inv, err)}
			}
		}
	}

	req := Request{Operation: inv.Operation, Args: inv.Args, Kwargs: inv.Kwargs}
	maxAttempts := d.retry.attempts()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < maxAttempts; attempt++ {
		prevState, err := d.breakers.Allow(inv.Target)
		if err != nil {
			lastErr = err
			break
		}
		if prevState == CircuitHalfOpen && attempt == 0 {
			d.emit(ctx, inv, schema.EventCircuitBreakerHalfOpen, nil)
		}

		attempts++
		payload, err := d.invokeOnce(ctx, plugin, req)
		if err == nil {
			if d.breakers.RecordSuccess(inv.Target) != CircuitClosed {
				d.emit(ctx, inv, schema.EventCircuitBreakerClosed, nil)
			}
			return schema.StepOutcome{Payload: payload, Attempts: attempts}
		}
		lastErr = err

		if d.breakers.RecordFailure(inv.Target) == CircuitOpen {
			d.emit(ctx, inv, schema.EventCircuitBreakerOpen, map[string]any{"error": err.Error()})
		}

		if attempt+1 >= maxAttempts || ctx.Err() != nil || !IsRetryableError(err) {
			break
		}

		delay := ComputeBackoff(d.retry, attempt)
		d.logger.WarnContext(ctx, "retrying step", "attempt", attempts, "delay", delay, "error", err)
		d.emit(ctx, inv, schema.EventStepRetrying, map[string]any{
			"attempt": attempts,
			"delay":   delay.String(),
			"error":   err.Error(),
		})
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			break
		}
	}

	out := schema.StepOutcome{Error: d.stepError(ctx, inv, lastErr), Attempts: attempts}
	if attempts > 1 {
		out.Error.Details = mergeDetails(out.Error.Details, map[string]any{"attempts": attempts})
	}
	return out
}

// invokeOnce calls the plugin, converting a panic into an error.
func (d *Dispatcher) invokeOnce(ctx context.Context, p Plugin, req Request) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "plugin panicked", "panic", r, "stack", string(debug.Stack()))
			err = schema.NewErrorf(schema.ErrCodeExecution, "plugin panic: %v", r)
		}
	}()
	return p.Invoke(ctx, req)
}

// stepError converts err into a ChainError attributed to the invocation's step.
func (d *Dispatcher) stepError(ctx context.Context, inv schema.Invocation, err error) *schema.ChainError {
	ce := ToChainError(ctx, err)
	return ce.WithStep(inv.StepIndex, inv.Target)
}

// ToChainError maps an arbitrary plugin error onto the chain error taxonomy.
// A context that has expired yields TIMEOUT_ERROR; a cancelled one yields CANCELLED.
func ToChainError(ctx context.Context, err error) *schema.ChainError {
	if err == nil {
		err = errors.New("unknown failure")
	}

	var ce *schema.ChainError
	if errors.As(err, &ce) {
		cp := *ce
		if ce.Details != nil {
			cp.Details = mergeDetails(nil, ce.Details)
		}
		return &cp
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return schema.NewErrorf(schema.ErrCodeTimeout, "timed out: %s", err.Error()).WithCause(err)
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

func (d *Dispatcher) emit(ctx context.Context, inv schema.Invocation, eventType string, payload map[string]any) {
	if d.onEvent == nil {
		return
	}
	ev := schema.NewEvent(inv.ChainID, inv.RunID, eventType).ForStep(inv.StepIndex, inv.Target).With(payload)
	d.onEvent(ctx, ev)
}

func mergeDetails(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

