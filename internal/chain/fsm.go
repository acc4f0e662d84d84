package chain

import (
	"context"
	"sync"

	"github.com/rendis/chainrun/pkg/schema"
)

// ValidChainTransitions lists the allowed status changes of a chain.
var ValidChainTransitions = map[schema.ChainStatus][]schema.ChainStatus{
	schema.ChainStatusPending: {schema.ChainStatusRunning, schema.ChainStatusFailed, schema.ChainStatusCancelled},
	schema.ChainStatusRunning: {schema.ChainStatusCompleted, schema.ChainStatusFailed, schema.ChainStatusCancelled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to schema.ChainStatus) bool {
	for _, a := range ValidChainTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// TransitionHook observes a chain status change after it has been applied.
type TransitionHook func(ctx context.Context, res *schema.ChainResult, from schema.ChainStatus)

type hookKey struct {
	from, to schema.ChainStatus
}

// FSM applies chain status transitions to a Registry and announces each one as an event.
type FSM struct {
	registry Registry
	emitter  *Emitter

	mu    sync.RWMutex
	hooks map[hookKey][]TransitionHook
}

// NewFSM creates an FSM over registry that emits through emitter.
func NewFSM(registry Registry, emitter *Emitter) *FSM {
	return &FSM{
		registry: registry,
		emitter:  emitter,
		hooks:    make(map[hookKey][]TransitionHook),
	}
}

// OnTransition registers a hook for from -> to.
func (f *FSM) OnTransition(from, to schema.ChainStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.hooks[key] = append(f.hooks[key], hook)
}

// Transition moves chain id to status to, provided its current status is one of
// the allowed predecessors and, when runID is non-empty, the entry belongs to that
// run. mutate, when non-nil, runs under the registry lock together with the status
// change. Returns the post-transition snapshot and whether the transition happened;
// a chain already terminal is never changed.
func (f *FSM) Transition(ctx context.Context, id, runID string, to schema.ChainStatus, mutate func(res *schema.ChainResult)) (*schema.ChainResult, bool) {
	var from schema.ChainStatus
	snap, applied := f.registry.Update(id, func(res *schema.ChainResult) bool {
		if runID != "" && res.RunID != runID {
			return false
		}
		if !CanTransition(res.Status, to) {
			return false
		}
		from = res.Status
		res.Status = to
		if mutate != nil {
			mutate(res)
		}
		return true
	})
	if !applied {
		return snap, false
	}

	if eventType := chainEventType(to); eventType != "" {
		ev := schema.NewEvent(snap.ChainID, snap.RunID, eventType).With(map[string]any{
			"from":            string(from),
			"mode":            string(snap.Mode),
			"completed_steps": snap.CompletedSteps,
			"total_steps":     snap.TotalSteps,
		})
		if snap.Error != nil {
			ev.Payload["error"] = snap.Error.Message
		}
		f.emitter.Emit(ctx, ev)
	}

	f.mu.RLock()
	hooks := f.hooks[hookKey{from, to}]
	f.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, snap, from)
	}
	return snap, true
}

func chainEventType(to schema.ChainStatus) string {
	switch to {
	case schema.ChainStatusRunning:
		return schema.EventChainStarted
	case schema.ChainStatusCompleted:
		return schema.EventChainCompleted
	case schema.ChainStatusFailed:
		return schema.EventChainFailed
	case schema.ChainStatusCancelled:
		return schema.EventChainCancelled
	default:
		return ""
	}
}
