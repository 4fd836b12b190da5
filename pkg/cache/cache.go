// Package cache provides the TTL read cache used to keep repeated dashboard
// queries off the remote store. Entries expire lazily: a lookup past the TTL
// reports a miss and cleanup is amortized across writes rather than driven by
// a background timer.
package cache

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrCacheMiss is returned by Get when a key is absent or its TTL has elapsed.
var ErrCacheMiss = errors.New("cache miss")

// ReadCache is a generic interface for a TTL-bounded read cache.
type ReadCache[V any] interface {
	// Get retrieves a live entry, returning ErrCacheMiss for absent or expired keys.
	Get(ctx context.Context, key string) (V, error)
	// Set stores a value under key with the given time-to-live.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	// Invalidate removes a single entry.
	Invalidate(ctx context.Context, key string) error
	// InvalidatePrefix removes every entry whose key starts with prefix. Used
	// when a write makes a family of cached reads stale, such as the paginated
	// queries under one resource.
	InvalidatePrefix(ctx context.Context, prefix string) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
