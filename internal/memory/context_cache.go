package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"familyhub/internal/store"
)

// Context kinds used in ContextCache keys
const (
	KindUser      = "user"
	KindFamily    = "family"
	KindWorkspace = "workspace"
)

// ContextKeyPattern matches every context blob
const ContextKeyPattern = "context:*"

// ContextKey builds context:{kind}:{id}[:{sub}]
func ContextKey(kind, id, sub string) string {
	key := "context:" + kind + ":" + id
	if sub != "" {
		key += ":" + sub
	}
	return key
}

// ContextCache is a TTL'd JSON blob cache over the KV store.
// One live value per key; Set overwrites.
type ContextCache struct {
	kv  store.KeyValueStore
	ttl time.Duration
}

// NewContextCache creates a context cache
func NewContextCache(kv store.KeyValueStore, ttl time.Duration) *ContextCache {
	return &ContextCache{kv: kv, ttl: ttl}
}

// Get decodes the blob at (kind, id, sub) into out. A miss returns false with no error.
func (c *ContextCache) Get(ctx context.Context, kind, id, sub string, out interface{}) (bool, error) {
	raw, err := c.kv.Get(ctx, ContextKey(kind, id, sub))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("failed to decode context %s:%s: %w", kind, id, err)
	}
	return true, nil
}

// Set stores value at (kind, id, sub)
func (c *ContextCache) Set(ctx context.Context, kind, id, sub string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode context %s:%s: %w", kind, id, err)
	}
	return c.kv.Set(ctx, ContextKey(kind, id, sub), string(data), c.ttl)
}

// Invalidate removes the blob at (kind, id, sub)
func (c *ContextCache) Invalidate(ctx context.Context, kind, id, sub string) error {
	return c.kv.Delete(ctx, ContextKey(kind, id, sub))
}

// InvalidateMatching removes every blob whose key matches pattern
func (c *ContextCache) InvalidateMatching(ctx context.Context, pattern string) (int, error) {
	if !strings.HasPrefix(pattern, "context:") {
		return 0, fmt.Errorf("pattern %q is outside the context namespace", pattern)
	}
	keys, err := c.kv.Keys(ctx, pattern)
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	return len(keys), c.kv.Delete(ctx, keys...)
}
