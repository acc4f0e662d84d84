package chain

import (
	"sort"
	"sync"

	"github.com/rendis/chainrun/pkg/schema"
)

// Registry stores the latest result of every known chain, keyed by chain ID.
// Implementations must hand out snapshots so callers never share state with a
// running chain.
type Registry interface {
	Put(res *schema.ChainResult)
	Get(id string) (*schema.ChainResult, bool)
	// Update applies fn to the stored entry under the registry's lock. fn reports
	// whether it changed anything; the returned snapshot reflects the entry after fn.
	Update(id string, fn func(res *schema.ChainResult) bool) (*schema.ChainResult, bool)
	List() []*schema.ChainResult
	// Delete removes id when cond is nil or returns true for the stored entry.
	Delete(id string, cond func(res *schema.ChainResult) bool) bool
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	chains map[string]*schema.ChainResult
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{chains: make(map[string]*schema.ChainResult)}
}

func (r *MemoryRegistry) Put(res *schema.ChainResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[res.ChainID] = res.Clone()
}

func (r *MemoryRegistry) Get(id string) (*schema.ChainResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.chains[id]
	if !ok {
		return nil, false
	}
	return res.Clone(), true
}

func (r *MemoryRegistry) Update(id string, fn func(res *schema.ChainResult) bool) (*schema.ChainResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.chains[id]
	if !ok {
		return nil, false
	}
	applied := fn(res)
	return res.Clone(), applied
}

// List returns snapshots of every entry ordered by chain ID.
func (r *MemoryRegistry) List() []*schema.ChainResult {
	r.mu.RLock()
	out := make([]*schema.ChainResult, 0, len(r.chains))
	for _, res := range r.chains {
		out = append(out, res.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func (r *MemoryRegistry) Delete(id string, cond func(res *schema.ChainResult) bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.chains[id]
	if !ok || (cond != nil && !cond(res)) {
		return false
	}
	delete(r.chains, id)
	return true
}

// Len returns the number of tracked chains.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.chains)
}

var _ Registry = (*MemoryRegistry)(nil)
