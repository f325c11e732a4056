package resource

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"familyhub/internal/health"
	"familyhub/internal/store"
)

// Cache namespaces swept under pressure
var EvictionPatterns = []string{"model_cache:*", "context:*", "conversation:*"}

// MetricsKey is where the monitor persists its latest sample
const MetricsKey = "resource_metrics:latest"

// CleanupReport summarises one cleanup sweep
type CleanupReport struct {
	Expired      []string       `json:"expired"`
	Idled        []string       `json:"idled"`
	Evicted      []string       `json:"evicted"`
	CacheEvicted map[string]int `json:"cache_evicted,omitempty"`
}

// CleanupSweep expires sessions idle past the session timeout, marks
// sessions idle past the idle threshold and, under memory or session
// pressure, evicts idle sessions that never received a message and forces
// a cache eviction pass.
func (m *Manager) CleanupSweep(ctx context.Context) CleanupReport {
	now := m.now()
	pressure := m.Pressure()
	underPressure := pressure.Memory || pressure.Session

	var report CleanupReport
	m.mu.Lock()
	for id, info := range m.sessions {
		inactive := now.Sub(info.LastActivity)
		switch {
		case inactive >= m.limits.SessionTimeout:
			report.Expired = append(report.Expired, id)
		case underPressure && info.Idle && info.MessageCount == 0:
			report.Evicted = append(report.Evicted, id)
		case inactive >= m.limits.IdleThreshold && !info.Idle:
			info.Idle = true
			report.Idled = append(report.Idled, id)
		}
	}
	m.mu.Unlock()

	m.cbMu.RLock()
	cb := m.callbacks
	m.cbMu.RUnlock()

	for _, id := range report.Idled {
		if cb.OnIdle != nil {
			cb.OnIdle(id)
		}
	}
	for _, id := range append(append([]string(nil), report.Expired...), report.Evicted...) {
		if cb.OnExpire != nil {
			cb.OnExpire(ctx, id)
		} else {
			m.UnregisterSession(id)
		}
	}

	if underPressure {
		report.CacheEvicted = m.EvictCaches(ctx)
	}

	if len(report.Expired)+len(report.Evicted)+len(report.Idled) > 0 {
		log.WithFields(map[string]interface{}{
			"expired": len(report.Expired),
			"evicted": len(report.Evicted),
			"idled":   len(report.Idled),
		}).Info("🧹 [RESOURCE] Cleanup sweep")
	}
	return report
}

type keyTTL struct {
	key string
	ttl time.Duration
}

// EvictCaches removes the oldest quartile of keys in each cache namespace,
// oldest meaning least remaining TTL. Keys without expiry go last.
func (m *Manager) EvictCaches(ctx context.Context) map[string]int {
	evicted := make(map[string]int, len(EvictionPatterns))
	for _, pattern := range EvictionPatterns {
		n, err := m.evictNamespace(ctx, pattern)
		if err != nil {
			log.WithError(err).WithField("pattern", pattern).Warn("⚠️  [RESOURCE] Cache eviction failed")
			continue
		}
		evicted[pattern] = n
		m.metrics.RecordEvictions(strings.TrimSuffix(pattern, ":*"), n)
	}
	return evicted
}

func (m *Manager) evictNamespace(ctx context.Context, pattern string) (int, error) {
	if m.kv == nil {
		return 0, nil
	}
	keys, err := m.kv.Keys(ctx, pattern)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	entries := make([]keyTTL, 0, len(keys))
	for _, key := range keys {
		ttl, err := m.kv.TTL(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if ttl == store.NoExpiry {
			ttl = time.Duration(1<<63 - 1)
		}
		entries = append(entries, keyTTL{key: key, ttl: ttl})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ttl < entries[j].ttl })
	quartile := (len(entries) + 3) / 4
	if quartile == 0 {
		return 0, nil
	}
	victims := make([]string, quartile)
	for i := range victims {
		victims[i] = entries[i].key
	}
	if err := m.kv.Delete(ctx, victims...); err != nil {
		return 0, err
	}
	return quartile, nil
}

// Sample is one monitor reading
type Sample struct {
	HeapBytes   uint64                   `json:"heap_bytes"`
	CPUPercent  float64                  `json:"cpu_percent"`
	Sessions    int                      `json:"sessions"`
	Connections int                      `json:"connections"`
	Pressure    PressureFlags            `json:"pressure"`
	Breakers    []health.BreakerSnapshot `json:"breakers"`
	Timestamp   time.Time                `json:"timestamp"`
}

// MonitorSweep samples memory, CPU, sessions and connections, updates the
// pressure flags and persists the sample to the cache store
func (m *Manager) MonitorSweep(ctx context.Context) Sample {
	sample := Sample{
		HeapBytes:   m.heapBytes(),
		CPUPercent:  m.cpu.percent(),
		Sessions:    m.ActiveSessionCount(),
		Connections: m.connections(),
		Breakers:    m.health.Snapshot(),
		Timestamp:   m.now(),
	}

	sample.Pressure = PressureFlags{
		Memory:  sample.HeapBytes >= m.limits.MemoryThresholdBytes,
		CPU:     sample.CPUPercent >= m.limits.CPUThresholdPercent,
		Session: float64(sample.Sessions) >= float64(m.limits.MaxSessions)*m.limits.SessionPressurePercent/100,
	}
	m.memoryPressure.Store(sample.Pressure.Memory)
	m.cpuPressure.Store(sample.Pressure.CPU)
	m.sessionPressure.Store(sample.Pressure.Session)

	m.metrics.SetResources(sample.HeapBytes, sample.CPUPercent, sample.Pressure.asMap())
	for _, b := range sample.Breakers {
		m.metrics.SetBreakerState(b.Name, string(b.State))
	}

	if m.kv != nil {
		if data, err := json.Marshal(sample); err == nil {
			if err := m.kv.Set(ctx, MetricsKey, string(data), 10*m.limits.MonitorInterval); err != nil {
				log.WithError(err).Debug("[RESOURCE] Failed to persist metrics snapshot")
			}
		}
	}

	if sample.Pressure.Memory || sample.Pressure.CPU || sample.Pressure.Session {
		log.WithFields(map[string]interface{}{
			"heap_mb":  sample.HeapBytes >> 20,
			"cpu":      sample.CPUPercent,
			"sessions": sample.Sessions,
		}).Warn("⚠️  [RESOURCE] Resource pressure detected")
	}
	return sample
}
