package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	pay402 "github.com/pay402/pay402-go"
)

// FetchFunc loads descriptors from the registry on a cache miss. It must be
// idempotent and side-effect-free: concurrent identical misses each fetch.
type FetchFunc func(ctx context.Context) ([]ServiceDescriptor, error)

type cacheEntry struct {
	descriptors []ServiceDescriptor
	expiry      time.Time
}

// Cache is a time-bound cache of registry lookups. Reads run concurrently;
// a store replaces the whole entry so readers never observe partial state.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	clock   pay402.Clock
	entries map[string]cacheEntry
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock overrides the cache clock.
func WithCacheClock(c pay402.Clock) CacheOption {
	return func(cache *Cache) { cache.clock = c }
}

// NewCache creates a cache whose entries expire ttl after they are stored.
func NewCache(ttl time.Duration, opts ...CacheOption) *Cache {
	c := &Cache{
		ttl:     ttl,
		clock:   pay402.SystemClock(),
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query returns cached descriptors when the entry is fresh, otherwise
// invokes fetch and stores the result. A fetch failure surfaces as a
// discovery error; expired entries are never served as fallback.
func (c *Cache) Query(ctx context.Context, key string, fetch FetchFunc) ([]ServiceDescriptor, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock.Now().Before(entry.expiry) {
		return entry.descriptors, nil
	}

	descriptors, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s",
			pay402.NewTransientError(pay402.ErrCodeDiscovery, "registry fetch failed"), err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{
		descriptors: descriptors,
		expiry:      c.clock.Now().Add(c.ttl),
	}
	c.mu.Unlock()

	return descriptors, nil
}

// InvalidateAll clears every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
