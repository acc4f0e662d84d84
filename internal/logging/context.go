package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	chainIDKey ctxKey = iota
	stepIndexKey
	targetKey
)

// WithChainID returns a context carrying the chain ID.
func WithChainID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chainIDKey, id)
}

// WithStep returns a context carrying the step index and its plugin target.
func WithStep(ctx context.Context, index int, target string) context.Context {
	ctx = context.WithValue(ctx, stepIndexKey, index)
	return context.WithValue(ctx, targetKey, target)
}

// ChainID extracts the chain ID from the context, or "" if absent.
func ChainID(ctx context.Context) string {
	v, _ := ctx.Value(chainIDKey).(string)
	return v
}

// StepIndex extracts the step index from the context. ok is false if absent.
func StepIndex(ctx context.Context) (index int, ok bool) {
	index, ok = ctx.Value(stepIndexKey).(int)
	return index, ok
}

// Target extracts the plugin target from the context, or "" if absent.
func Target(ctx context.Context) string {
	v, _ := ctx.Value(targetKey).(string)
	return v
}

func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := ChainID(ctx); v != "" {
		attrs = append(attrs, slog.String("chain_id", v))
	}
	if v, ok := StepIndex(ctx); ok {
		attrs = append(attrs, slog.Int("step_index", v))
	}
	if v := Target(ctx); v != "" {
		attrs = append(attrs, slog.String("target", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from the
// context into every record, so logger.InfoContext(ctx, ...) carries them.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps a config string to a slog level. Unknown values yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
