package plugins

import (
	"context"
	"encoding/json"
)

// Plugin is a named capability that chain steps target.
type Plugin interface {
	Name() string
	Schema() Schema
	Invoke(ctx context.Context, req Request) (any, error)
}

// Schema describes what a plugin accepts.
type Schema struct {
	Description string          `json:"description,omitempty"`
	Operations  []string        `json:"operations,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is the data handed to a plugin for one invocation.
type Request struct {
	Operation string         `json:"operation"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
}

// Info is a summary of a registered plugin for listing.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Operations  []string `json:"operations,omitempty"`
}

// Func adapts a plain function into a Plugin.
type Func struct {
	PluginName string
	Spec       Schema
	Fn         func(ctx context.Context, req Request) (any, error)
}

func (f *Func) Name() string   { return f.PluginName }
func (f *Func) Schema() Schema { return f.Spec }

func (f *Func) Invoke(ctx context.Context, req Request) (any, error) {
	return f.Fn(ctx, req)
}
