package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// sweepEvery bounds how many Set calls may pass between opportunistic sweeps
// of expired entries.
const sweepEvery = 64

type entry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	return now.Sub(e.storedAt) >= e.ttl
}

// InMemoryReadCache is a thread-safe, in-memory ReadCache. Expiry is evaluated
// lazily on Get; expired entries are physically removed by a sweep that runs
// every sweepEvery writes, so memory stays bounded by the live key space.
type InMemoryReadCache[V any] struct {
	mu        sync.RWMutex
	data      map[string]entry[V]
	setsSince int
}

// NewInMemoryReadCache creates a new in-memory TTL cache.
func NewInMemoryReadCache[V any]() *InMemoryReadCache[V] {
	return &InMemoryReadCache[V]{
		data: make(map[string]entry[V]),
	}
}

// Get retrieves a live entry. An expired entry reports a miss but is left in
// place for the next sweep.
func (c *InMemoryReadCache[V]) Get(_ context.Context, key string) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || e.expired(time.Now()) {
		var zero V
		return zero, ErrCacheMiss
	}
	return e.value, nil
}

// Set stores a value under key with the given TTL.
func (c *InMemoryReadCache[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry[V]{value: value, storedAt: time.Now(), ttl: ttl}
	c.setsSince++
	if c.setsSince >= sweepEvery {
		c.sweepLocked()
		c.setsSince = 0
	}
	return nil
}

// Invalidate removes a single entry.
func (c *InMemoryReadCache[V]) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// InvalidatePrefix removes every entry whose key starts with prefix.
func (c *InMemoryReadCache[V]) InvalidatePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.data {
		if strings.HasPrefix(key, prefix) {
			delete(c.data, key)
		}
	}
	return nil
}

// Len returns the number of entries currently held, expired or not.
func (c *InMemoryReadCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// sweepLocked drops expired entries. Callers must hold the write lock.
func (c *InMemoryReadCache[V]) sweepLocked() {
	now := time.Now()
	for key, e := range c.data {
		if e.expired(now) {
			delete(c.data, key)
		}
	}
}

// Close is a no-op for the in-memory cache.
func (c *InMemoryReadCache[V]) Close() error {
	return nil
}
