package chain

import (
	"context"
	"log/slog"

	"github.com/rendis/chainrun/pkg/schema"
)

// EventAppender persists events. Satisfied by *store.LibSQLStore.
type EventAppender interface {
	AppendEvent(ctx context.Context, ev *schema.Event) error
}

// Publisher streams events to live subscribers. Satisfied by *streaming.MemoryHub.
type Publisher interface {
	Publish(ctx context.Context, ev schema.Event) error
}

// Recorder persists chain results once they reach a terminal status.
type Recorder interface {
	SaveChain(ctx context.Context, res *schema.ChainResult) error
}

// Emitter fans events out to an optional appender and publisher. Sink failures are
// logged and never surface to the chain.
type Emitter struct {
	appender  EventAppender
	publisher Publisher
	logger    *slog.Logger
}

// NewEmitter creates an Emitter. Either sink may be nil.
func NewEmitter(appender EventAppender, publisher Publisher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{appender: appender, publisher: publisher, logger: logger}
}

// Emit delivers ev to every configured sink.
func (e *Emitter) Emit(ctx context.Context, ev schema.Event) {
	if e == nil {
		return
	}
	// Sinks must see the event even when the chain's own context is already cancelled.
	ctx = context.WithoutCancel(ctx)
	if e.appender != nil {
		if err := e.appender.AppendEvent(ctx, &ev); err != nil {
			e.logger.WarnContext(ctx, "append event failed", "event", ev.Type, "error", err)
		}
	}
	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.logger.DebugContext(ctx, "publish event failed", "event", ev.Type, "error", err)
		}
	}
}
