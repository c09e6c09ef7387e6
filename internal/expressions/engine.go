package expressions

import (
	"context"
	"sync"
)

// Engine evaluates one expression language against a data value.
// CEL guards step dispatch; jq reshapes feed-forward values.
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data any) (any, error)
}

// cache memoises compiled programs by expression text. Safe for concurrent use.
type cache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newCache[P any]() *cache[P] {
	return &cache[P]{programs: make(map[string]P)}
}

func (c *cache[P]) getOrCompile(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *cache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}
