package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/chainrun/pkg/schema"
)

// Registry is a thread-safe lookup table of plugins keyed by name.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
	}
}

// Register adds a plugin. Returns error on duplicate name.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return schema.NewError(schema.ErrCodeValidation, "plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "plugin name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already registered", name)
	}
	r.plugins[name] = p
	return nil
}

// MustRegister registers every plugin and panics on the first error.
func (r *Registry) MustRegister(ps ...Plugin) {
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Get retrieves a plugin by name.
func (r *Registry) Get(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.plugins[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodePluginUnavailable, "plugin %q not registered", name)
	}
	return p, nil
}

// List returns info for all registered plugins, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.plugins))
	for name, p := range r.plugins {
		s := p.Schema()
		infos = append(infos, Info{
			Name:        name,
			Description: s.Description,
			Operations:  s.Operations,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterPrefixed bulk-registers plugins under a namespace.
// Each name becomes "prefix.originalName" (e.g. "github.create_issue").
func (r *Registry) RegisterPrefixed(prefix string, ps []Plugin) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered := 0
	for _, p := range ps {
		prefixed := fmt.Sprintf("%s.%s", prefix, p.Name())
		if _, exists := r.plugins[prefixed]; exists {
			return registered, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already registered", prefixed)
		}
		r.plugins[prefixed] = &prefixedPlugin{inner: p, name: prefixed}
		registered++
	}
	return registered, nil
}

// Unregister removes every plugin registered under prefix. Returns the number removed.
func (r *Registry) Unregister(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name := range r.plugins {
		if len(name) > len(prefix) && name[:len(prefix)+1] == prefix+"." {
			delete(r.plugins, name)
			removed++
		}
	}
	return removed
}

// Has checks if a plugin is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[name]
	return ok
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

type prefixedPlugin struct {
	inner Plugin
	name  string
}

func (p *prefixedPlugin) Name() string   { return p.name }
func (p *prefixedPlugin) Schema() Schema { return p.inner.Schema() }

func (p *prefixedPlugin) Invoke(ctx context.Context, req Request) (any, error) {
	return p.inner.Invoke(ctx, req)
}
