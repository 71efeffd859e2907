package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultCacheTTL is how long registry responses stay fresh.
const DefaultCacheTTL = 5 * time.Minute

// RegistryClient queries a service registry over HTTP, caching every
// read-only lookup. All methods go through the same Cache so repeated
// queries within the TTL never hit the registry twice.
type RegistryClient struct {
	baseURL    string
	httpClient *http.Client
	cache      *Cache
}

// RegistryOption configures a RegistryClient.
type RegistryOption func(*RegistryClient)

// WithHTTPClient overrides the HTTP client used for registry requests.
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *RegistryClient) { r.httpClient = client }
}

// WithCache replaces the default cache, for example to shorten the TTL
// or inject a clock in tests.
func WithCache(cache *Cache) RegistryOption {
	return func(r *RegistryClient) { r.cache = cache }
}

// NewRegistryClient creates a client for the registry at baseURL.
func NewRegistryClient(baseURL string, opts ...RegistryOption) *RegistryClient {
	r := &RegistryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      NewCache(DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ByCategory lists services in a category, optionally filtered by the
// query's network, price bounds and limit.
func (r *RegistryClient) ByCategory(ctx context.Context, q Query) ([]ServiceDescriptor, error) {
	key := "category|" + q.Key()
	return r.cache.Query(ctx, key, func(ctx context.Context) ([]ServiceDescriptor, error) {
		params := q.values()
		params.Set("category", strings.ToLower(strings.TrimSpace(q.Category)))
		return r.fetchList(ctx, "/services/category", params)
	})
}

// Search performs a free-text search across the registry.
func (r *RegistryClient) Search(ctx context.Context, q Query) ([]ServiceDescriptor, error) {
	key := "search|" + q.Key()
	return r.cache.Query(ctx, key, func(ctx context.Context) ([]ServiceDescriptor, error) {
		params := q.values()
		params.Set("q", strings.TrimSpace(q.Search))
		return r.fetchList(ctx, "/services/search", params)
	})
}

// Service fetches a single service descriptor by ID.
func (r *RegistryClient) Service(ctx context.Context, id string) (ServiceDescriptor, error) {
	key := "service|" + id
	descriptors, err := r.cache.Query(ctx, key, func(ctx context.Context) ([]ServiceDescriptor, error) {
		var descriptor ServiceDescriptor
		if err := r.fetchJSON(ctx, "/services/"+url.PathEscape(id), nil, &descriptor); err != nil {
			return nil, err
		}
		return []ServiceDescriptor{descriptor}, nil
	})
	if err != nil {
		return ServiceDescriptor{}, err
	}
	if len(descriptors) == 0 {
		return ServiceDescriptor{}, fmt.Errorf("service %s not found", id)
	}
	return descriptors[0], nil
}

// Popular lists the most used services, at most limit entries.
func (r *RegistryClient) Popular(ctx context.Context, limit int) ([]ServiceDescriptor, error) {
	key := "popular|" + strconv.Itoa(limit)
	return r.cache.Query(ctx, key, func(ctx context.Context) ([]ServiceDescriptor, error) {
		params := url.Values{}
		if limit > 0 {
			params.Set("limit", strconv.Itoa(limit))
		}
		return r.fetchList(ctx, "/services/popular", params)
	})
}

// Categories lists the registry's known categories. Categories ride
// through the descriptor cache as name-only entries so they share the
// same TTL and invalidation.
func (r *RegistryClient) Categories(ctx context.Context) ([]string, error) {
	descriptors, err := r.cache.Query(ctx, "categories", func(ctx context.Context) ([]ServiceDescriptor, error) {
		var names []string
		if err := r.fetchJSON(ctx, "/categories", nil, &names); err != nil {
			return nil, err
		}
		entries := make([]ServiceDescriptor, len(names))
		for i, name := range names {
			entries[i] = ServiceDescriptor{Category: name}
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Category
	}
	return names, nil
}

// InvalidateAll drops every cached registry response.
func (r *RegistryClient) InvalidateAll() {
	r.cache.InvalidateAll()
}

func (r *RegistryClient) fetchList(ctx context.Context, path string, params url.Values) ([]ServiceDescriptor, error) {
	var descriptors []ServiceDescriptor
	if err := r.fetchJSON(ctx, path, params, &descriptors); err != nil {
		return nil, err
	}
	return descriptors, nil
}

func (r *RegistryClient) fetchJSON(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := r.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding registry response: %w", err)
	}
	return nil
}

func (q Query) values() url.Values {
	params := url.Values{}
	if q.Network != "" {
		params.Set("network", q.Network)
	}
	if q.MinPrice != "" {
		params.Set("minPrice", q.MinPrice)
	}
	if q.MaxPrice != "" {
		params.Set("maxPrice", q.MaxPrice)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	return params
}
