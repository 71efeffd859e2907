package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func countingFetch(calls *int, result []ServiceDescriptor, err error) FetchFunc {
	return func(ctx context.Context) ([]ServiceDescriptor, error) {
		*calls++
		return result, err
	}
}

func TestCacheServesFreshEntriesWithoutFetching(t *testing.T) {
	clock := newStubClock()
	cache := NewCache(300000*time.Millisecond, WithCacheClock(clock))

	want := []ServiceDescriptor{{ID: "svc-1", Name: "Weather API"}}
	calls := 0

	first, err := cache.Query(context.Background(), "category|weather", countingFetch(&calls, want, nil))
	if err != nil {
		t.Fatalf("first query: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls)
	}

	clock.Advance(299 * time.Second)
	second, err := cache.Query(context.Background(), "category|weather", countingFetch(&calls, nil, errors.New("must not be called")))
	if err != nil {
		t.Fatalf("second query: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected cached hit, fetch ran %d times", calls)
	}
	if len(second) != 1 || second[0].ID != first[0].ID {
		t.Fatalf("cached result differs: %+v", second)
	}
}

func TestCacheRefetchesAfterTTL(t *testing.T) {
	clock := newStubClock()
	cache := NewCache(300000*time.Millisecond, WithCacheClock(clock))

	calls := 0
	fetch := countingFetch(&calls, []ServiceDescriptor{{ID: "svc-1"}}, nil)

	if _, err := cache.Query(context.Background(), "k", fetch); err != nil {
		t.Fatalf("query: %v", err)
	}
	clock.Advance(300000 * time.Millisecond)
	if _, err := cache.Query(context.Background(), "k", fetch); err != nil {
		t.Fatalf("query after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d fetches", calls)
	}
}

func TestCacheDistinctKeysDoNotCollide(t *testing.T) {
	cache := NewCache(time.Minute)

	calls := 0
	a, err := cache.Query(context.Background(), "category|weather", countingFetch(&calls, []ServiceDescriptor{{ID: "a"}}, nil))
	if err != nil {
		t.Fatalf("query a: %v", err)
	}
	b, err := cache.Query(context.Background(), "category|storage", countingFetch(&calls, []ServiceDescriptor{{ID: "b"}}, nil))
	if err != nil {
		t.Fatalf("query b: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one fetch per key, got %d", calls)
	}
	if a[0].ID == b[0].ID {
		t.Fatal("entries collided across keys")
	}
}

func TestCacheFetchErrorSurfacesAndIsNotCached(t *testing.T) {
	cache := NewCache(time.Minute)

	calls := 0
	failing := countingFetch(&calls, nil, errors.New("registry down"))
	if _, err := cache.Query(context.Background(), "k", failing); err == nil {
		t.Fatal("expected error from failing fetch")
	}

	// The failure must not poison the key.
	result, err := cache.Query(context.Background(), "k", countingFetch(&calls, []ServiceDescriptor{{ID: "ok"}}, nil))
	if err != nil {
		t.Fatalf("query after failure: %v", err)
	}
	if len(result) != 1 || result[0].ID != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if calls != 2 {
		t.Fatalf("expected 2 fetches, got %d", calls)
	}
}

func TestCacheInvalidateAll(t *testing.T) {
	cache := NewCache(time.Hour)

	calls := 0
	fetch := countingFetch(&calls, []ServiceDescriptor{{ID: "svc"}}, nil)
	if _, err := cache.Query(context.Background(), "k", fetch); err != nil {
		t.Fatalf("query: %v", err)
	}
	cache.InvalidateAll()
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", cache.Len())
	}
	if _, err := cache.Query(context.Background(), "k", fetch); err != nil {
		t.Fatalf("query after invalidate: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d fetches", calls)
	}
}

func TestDescriptorRequirements(t *testing.T) {
	descriptor := ServiceDescriptor{
		ID:       "svc-weather",
		Endpoint: "/weather",
		Pricing:  Pricing{Model: "per-request", Amount: "1000", Token: "0xToken"},
		Networks: []string{"eip155:8453", "eip155:1"},
	}

	requirements := descriptor.Requirements("0xPayee")
	if len(requirements) != 2 {
		t.Fatalf("expected one requirement per network, got %d", len(requirements))
	}
	for _, req := range requirements {
		if req.Amount != "1000" || req.Asset != "0xToken" || req.PayTo != "0xPayee" {
			t.Fatalf("unexpected requirement: %+v", req)
		}
		if req.Resource != "/weather" {
			t.Fatalf("resource = %s, want /weather", req.Resource)
		}
	}
}

func TestQueryKeyNormalization(t *testing.T) {
	a := Query{Category: " Weather ", Search: "Forecast", Limit: 10}
	b := Query{Category: "weather", Search: "forecast", Limit: 10}
	if a.Key() != b.Key() {
		t.Fatalf("normalized keys differ: %q vs %q", a.Key(), b.Key())
	}

	c := Query{Category: "weather", Search: "forecast", Limit: 20}
	if a.Key() == c.Key() {
		t.Fatal("different limits produced the same key")
	}
}
