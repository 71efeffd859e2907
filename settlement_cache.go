package pay402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// SettlementKey derives the idempotency key for a payload: a SHA-256 over
// its canonical JSON form. The nonce and proof make the key unique per
// payment attempt.
func SettlementKey(p PaymentPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

type settlementStatus int

const (
	settlementNotFound settlementStatus = iota
	settlementCached
	settlementInFlight
)

// settlementCache makes Settle at-most-once per payload within its TTL by
// caching successful results and tracking in-flight submissions.
type settlementCache struct {
	mu       sync.Mutex
	clock    Clock
	results  map[string]*SettleResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

func newSettlementCache(ttl time.Duration, clock Clock) *settlementCache {
	return &settlementCache{
		clock:    clock,
		results:  make(map[string]*SettleResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// checkAndMark atomically checks the cache and marks the key in-flight when
// this caller should proceed.
func (c *settlementCache) checkAndMark(key string) (settlementStatus, *SettleResult, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if c.clock.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return settlementCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return settlementInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return settlementNotFound, nil, done
}

// waitForResult blocks until the in-flight submission for key completes.
// A nil result means it failed without caching; the settlement may be retried.
func (c *settlementCache) waitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResult, error) {
	select {
	case <-done:
		return c.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *settlementCache) get(key string) *SettleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if c.clock.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// complete caches the result, clears the in-flight marker and signals waiters.
func (c *settlementCache) complete(key string, result *SettleResult, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = result
	c.expiry[key] = c.clock.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)
	c.cleanupExpiredLocked()
}

// fail clears the in-flight marker without caching, so the settlement can
// be retried by a later call.
func (c *settlementCache) fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}

func (c *settlementCache) cleanupExpiredLocked() {
	now := c.clock.Now()
	for key, expiry := range c.expiry {
		if now.After(expiry) {
			delete(c.results, key)
			delete(c.expiry, key)
		}
	}
}
