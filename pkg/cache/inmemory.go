package cache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// InMemoryCache is a process-wide, thread-safe cache. Concurrent misses for the
// same key share a single fallback fetch, which outlives any one caller giving up.
type InMemoryCache[K comparable, V any] struct {
	fallback Fetcher[K, V]
	group    singleflight.Group

	mu   sync.RWMutex
	data map[K]V
	// gen counts invalidations per key so a fallback fetch that started before an
	// invalidation never writes its result back.
	gen map[K]uint64
}

// NewInMemoryCache creates an in-memory cache. fallback may be nil.
func NewInMemoryCache[K comparable, V any](fallback Fetcher[K, V]) *InMemoryCache[K, V] {
	return &InMemoryCache[K, V]{
		fallback: fallback,
		data:     make(map[K]V),
		gen:      make(map[K]uint64),
	}
}

// Fetch returns the cached value, or loads it from the fallback on a miss.
func (c *InMemoryCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	c.mu.RLock()
	value, ok := c.data[key]
	gen := c.gen[key]
	c.mu.RUnlock()
	if ok {
		return value, nil
	}

	var zero V
	if c.fallback == nil {
		return zero, fmt.Errorf("key '%v' not found in cache and no fallback is configured", key)
	}

	flightKey := fmt.Sprintf("%s#%d", stringKey(key), gen)
	return sharedFetch(ctx, &c.group, flightKey, DefaultFetchTimeout, func(fetchCtx context.Context) (V, error) {
		v, err := c.fallback.Fetch(fetchCtx, key)
		if err != nil {
			return zero, err
		}
		c.mu.Lock()
		if c.gen[key] == gen {
			c.data[key] = v
		}
		c.mu.Unlock()
		return v, nil
	})
}

// FetchFromCache returns the cached value without consulting the fallback.
func (c *InMemoryCache[K, V]) FetchFromCache(_ context.Context, key K) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.data[key]
	if !ok {
		var zero V
		return zero, fmt.Errorf("key '%v' not found in cache", key)
	}
	return value, nil
}

// WriteToCache stores a value.
func (c *InMemoryCache[K, V]) WriteToCache(_ context.Context, key K, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

// Invalidate drops key. A fallback fetch already in flight for it will not be
// written back or shared with later callers.
func (c *InMemoryCache[K, V]) Invalidate(_ context.Context, key K) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	c.gen[key]++
	return nil
}

// Fallback returns the next layer.
func (c *InMemoryCache[K, V]) Fallback() Fetcher[K, V] {
	return c.fallback
}

// Close closes the fallback.
func (c *InMemoryCache[K, V]) Close() error {
	if c.fallback != nil {
		return c.fallback.Close()
	}
	return nil
}
