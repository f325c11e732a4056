package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"familyhub/internal/security"
	"familyhub/internal/store"
)

// CacheKeyPrefix is the KV namespace of cached model responses
const CacheKeyPrefix = "model_cache:"

// CacheEntry is one cached model response
type CacheEntry struct {
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	LatencyMs  int64     `json:"latency_ms"`
	Cached     bool      `json:"cached"`
	Model      string    `json:"model"`
	Timestamp  time.Time `json:"timestamp"`
}

// CacheKey addresses a response by (prompt, model, temperature)
func CacheKey(prompt, model string, temperature float64) string {
	return security.ContentKey(CacheKeyPrefix, prompt, model, strconv.FormatFloat(temperature, 'f', 2, 64))
}

// ResponseCache is the content-addressed model response cache.
// Store failures are logged and treated as misses.
type ResponseCache struct {
	kv  store.KeyValueStore
	ttl time.Duration
}

// NewResponseCache creates a cache over kv
func NewResponseCache(kv store.KeyValueStore, ttl time.Duration) *ResponseCache {
	return &ResponseCache{kv: kv, ttl: ttl}
}

// Get looks up a response
func (c *ResponseCache) Get(ctx context.Context, prompt, model string, temperature float64) (*CacheEntry, bool) {
	raw, err := c.kv.Get(ctx, CacheKey(prompt, model, temperature))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.WithError(err).Warn("⚠️  [CACHE] Response cache read failed")
		}
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.WithError(err).Warn("⚠️  [CACHE] Dropping undecodable cache entry")
		return nil, false
	}
	entry.Cached = true
	return &entry, true
}

// Put stores a response
func (c *ResponseCache) Put(ctx context.Context, prompt string, temperature float64, entry CacheEntry) {
	entry.Cached = false
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, CacheKey(prompt, entry.Model, temperature), string(data), c.ttl); err != nil {
		log.WithError(err).Warn("⚠️  [CACHE] Response cache write failed")
	}
}
