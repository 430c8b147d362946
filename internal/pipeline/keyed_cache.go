package pipeline

import "sync"

// keyedCache builds each value at most once. Construction of one key never
// blocks lookups or construction of other keys. Failed constructions are
// cached as well.
type keyedCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*cacheEntry[V]
	order   []K
}

type cacheEntry[V any] struct {
	ready chan struct{}
	val   V
	err   error
}

func newKeyedCache[K comparable, V any]() *keyedCache[K, V] {
	return &keyedCache[K, V]{entries: make(map[K]*cacheEntry[V])}
}

func (c *keyedCache[K, V]) getOrCreate(key K, create func() (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		<-e.ready
		return e.val, e.err
	}
	e := &cacheEntry[V]{ready: make(chan struct{})}
	c.entries[key] = e
	c.order = append(c.order, key)
	c.mu.Unlock()

	defer close(e.ready)
	e.val, e.err = create()
	return e.val, e.err
}

// values returns successfully built values in first-request order, waiting
// for constructions still in flight
func (c *keyedCache[K, V]) values() []V {
	c.mu.Lock()
	entries := make([]*cacheEntry[V], 0, len(c.order))
	for _, k := range c.order {
		entries = append(entries, c.entries[k])
	}
	c.mu.Unlock()

	var out []V
	for _, e := range entries {
		<-e.ready
		if e.err == nil {
			out = append(out, e.val)
		}
	}
	return out
}
