package registry

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"bridge-exporter/internal/model"
)

// Cache wraps a Source. Concurrent misses for one key share a single fetch,
// and hits are served until the entry expires. Errors are not cached.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	group   singleflight.Group
	mu      sync.RWMutex
	entries map[model.SchemaKey]cachedSchema
}

type cachedSchema struct {
	schema  *model.Schema
	expires time.Time
}

// NewCache creates a cache. A zero ttl keeps entries forever.
func NewCache(source Source, ttl time.Duration) *Cache {
	return &Cache{
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[model.SchemaKey]cachedSchema),
	}
}

// GetSchema returns the cached schema, fetching it on a miss
func (c *Cache) GetSchema(ctx context.Context, key model.SchemaKey) (*model.Schema, error) {
	if schema, ok := c.lookup(key); ok {
		return schema, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if schema, ok := c.lookup(key); ok {
			return schema, nil
		}
		schema, err := c.source.GetSchema(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cachedSchema{schema: schema, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()
		return schema, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Schema), nil
}

func (c *Cache) lookup(key model.SchemaKey) (*model.Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		return nil, false
	}
	return e.schema, true
}
