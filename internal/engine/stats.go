package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MetricsKeyPrefix is the KV key prefix of flushed engine metrics
const MetricsKeyPrefix = "model_metrics:"

// Stats is a snapshot of engine counters
type Stats struct {
	TotalRequests int64     `json:"total_requests"`
	CacheHits     int64     `json:"cache_hits"`
	CacheMisses   int64     `json:"cache_misses"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	TotalTokens   int64     `json:"total_tokens"`
	Errors        int64     `json:"errors"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type stats struct {
	mu      sync.Mutex
	s       Stats
	samples int64
}

func (st *stats) request() {
	st.mu.Lock()
	st.s.TotalRequests++
	st.mu.Unlock()
}

func (st *stats) cacheResult(hit bool) {
	st.mu.Lock()
	if hit {
		st.s.CacheHits++
	} else {
		st.s.CacheMisses++
	}
	st.mu.Unlock()
}

// complete folds one latency sample into the running average:
// avg' = (avg*(n-1) + new) / n
func (st *stats) complete(latency time.Duration, tokens int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.samples++
	ms := float64(latency.Microseconds()) / 1000
	st.s.AvgLatencyMs = (st.s.AvgLatencyMs*float64(st.samples-1) + ms) / float64(st.samples)
	st.s.TotalTokens += int64(tokens)
	st.s.UpdatedAt = time.Now()
}

func (st *stats) failure() {
	st.mu.Lock()
	st.s.Errors++
	st.mu.Unlock()
}

func (st *stats) snapshot() Stats {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}

// Metrics returns the current engine counters
func (e *Engine) Metrics() Stats {
	return e.stats.snapshot()
}

// FlushMetrics writes the counters to the shared cache store under
// model_metrics:{instance}
func (e *Engine) FlushMetrics(ctx context.Context) error {
	data, err := json.Marshal(e.stats.snapshot())
	if err != nil {
		return err
	}
	return e.kv.Set(ctx, MetricsKeyPrefix+e.instanceID, string(data), 24*time.Hour)
}
