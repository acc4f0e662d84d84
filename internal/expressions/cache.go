package expressions

import "sync"

// maxCachedPrograms bounds each engine's compile cache. A full cache is reset
// rather than evicted entry by entry; chain conditions repeat heavily.
const maxCachedPrograms = 1024

// programCache memoizes compiled programs by source expression.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

// get returns the cached program for expression, compiling it on a miss.
// Failed compilations are not cached.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	prg, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[expression]; ok {
		return prg, nil
	}
	prg, err := compile(expression)
	if err != nil {
		return prg, err
	}
	if len(c.programs) >= maxCachedPrograms {
		clear(c.programs)
	}
	c.programs[expression] = prg
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
