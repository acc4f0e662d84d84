package streaming

import (
	"context"

	"github.com/rendis/chainrun/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	ChainID    string   `json:"chain_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f EventFilter) Matches(ev schema.Event) bool {
	if f.ChainID != "" && f.ChainID != ev.ChainID {
		return false
	}
	if f.RunID != "" && f.RunID != ev.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == ev.Type {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for live chain and step events.
type EventHub interface {
	Publish(ctx context.Context, ev schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}
