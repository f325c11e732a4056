package store

import (
	"context"
	"path"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process KeyValueStore backed by go-cache.
// It serves single-node deployments without Redis and tests.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, time.Minute),
	}
}

// Get retrieves a value by key
func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return "", ErrNotFound
	}
	return v.(string), nil
}

// Set stores value; ttl <= 0 keeps it until deleted
func (m *MemoryStore) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m.cache.Set(key, value, ttl)
	return nil
}

// Delete removes keys
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.cache.Delete(k)
	}
	return nil
}

// Keys lists unexpired keys matching a glob pattern, sorted
func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	var keys []string
	for k := range m.cache.Items() {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// TTL returns the remaining lifetime of key
func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	_, exp, ok := m.cache.GetWithExpiration(key)
	if !ok {
		return 0, ErrNotFound
	}
	if exp.IsZero() {
		return NoExpiry, nil
	}
	return time.Until(exp), nil
}

// Ping always succeeds
func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Count returns the number of live keys
func (m *MemoryStore) Count() int {
	return m.cache.ItemCount()
}
