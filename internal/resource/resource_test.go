package resource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"familyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestManager(limits Limits) (*Manager, *store.MemoryStore, *testClock) {
	kv := store.NewMemoryStore()
	m := New(Options{Limits: limits, KV: kv})
	clock := &testClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	m.now = clock.Now
	m.heapBytes = func() uint64 { return 1 << 20 }
	m.cpu.read = func() (float64, error) { return 0, fmt.Errorf("no procfs") }
	return m, kv, clock
}

func TestRegisterSession_RejectsAtCapacity(t *testing.T) {
	m, _, _ := newTestManager(Limits{MaxSessions: 2})

	assert.True(t, m.RegisterSession(SessionInfo{ID: "a"}))
	assert.True(t, m.RegisterSession(SessionInfo{ID: "b"}))
	assert.False(t, m.RegisterSession(SessionInfo{ID: "c"}))
	assert.Equal(t, 2, m.ActiveSessionCount())

	m.UnregisterSession("a")
	assert.True(t, m.RegisterSession(SessionInfo{ID: "c"}))
}

func TestTouchSession(t *testing.T) {
	m, _, clock := newTestManager(Limits{})
	require.True(t, m.RegisterSession(SessionInfo{ID: "s1", UserID: "u1"}))

	clock.Advance(time.Minute)
	assert.True(t, m.TouchSession("s1"))
	assert.False(t, m.TouchSession("missing"))

	info, ok := m.Session("s1")
	require.True(t, ok)
	assert.Equal(t, 1, info.MessageCount)
	assert.Equal(t, clock.Now(), info.LastActivity)
}

func TestAllow_LimitsPerSession(t *testing.T) {
	m, _, _ := newTestManager(Limits{InputRatePerSecond: 0.001, InputBurst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, m.Allow("s1"), "burst token %d", i)
	}
	assert.False(t, m.Allow("s1"))
	assert.True(t, m.Allow("s2"), "buckets are per session")
}

func TestCleanupSweep_IdleAndExpire(t *testing.T) {
	m, _, clock := newTestManager(Limits{SessionTimeout: 30 * time.Minute, IdleThreshold: 5 * time.Minute})

	var mu sync.Mutex
	var idled, expired []string
	m.SetCallbacks(Callbacks{
		OnIdle: func(id string) {
			mu.Lock()
			idled = append(idled, id)
			mu.Unlock()
		},
		OnExpire: func(_ context.Context, id string) {
			mu.Lock()
			expired = append(expired, id)
			mu.Unlock()
			m.UnregisterSession(id)
		},
	})

	require.True(t, m.RegisterSession(SessionInfo{ID: "old"}))
	clock.Advance(25 * time.Minute)
	require.True(t, m.RegisterSession(SessionInfo{ID: "quiet"}))
	clock.Advance(6 * time.Minute)
	require.True(t, m.RegisterSession(SessionInfo{ID: "fresh"}))

	report := m.CleanupSweep(context.Background())

	assert.Equal(t, []string{"old"}, report.Expired)
	assert.Equal(t, []string{"quiet"}, report.Idled)
	assert.Equal(t, []string{"quiet"}, idled)
	assert.Equal(t, []string{"old"}, expired)

	info, ok := m.Session("quiet")
	require.True(t, ok)
	assert.True(t, info.Idle)
	_, ok = m.Session("old")
	assert.False(t, ok)

	// already idle sessions are not reported twice
	report = m.CleanupSweep(context.Background())
	assert.Empty(t, report.Idled)
}

func TestCleanupSweep_WithoutCallbacksUnregisters(t *testing.T) {
	m, _, clock := newTestManager(Limits{SessionTimeout: time.Minute, IdleThreshold: 30 * time.Second})
	require.True(t, m.RegisterSession(SessionInfo{ID: "s1"}))
	clock.Advance(2 * time.Minute)

	m.CleanupSweep(context.Background())
	assert.Equal(t, 0, m.ActiveSessionCount())
}

func TestCleanupSweep_PressureEvictsEmptyIdleSessions(t *testing.T) {
	m, kv, clock := newTestManager(Limits{SessionTimeout: time.Hour, IdleThreshold: time.Minute})
	ctx := context.Background()

	require.True(t, m.RegisterSession(SessionInfo{ID: "empty"}))
	require.True(t, m.RegisterSession(SessionInfo{ID: "busy"}))
	require.True(t, m.TouchSession("busy"))
	clock.Advance(2 * time.Minute)
	m.CleanupSweep(ctx) // both become idle

	for i := 0; i < 4; i++ {
		require.NoError(t, kv.Set(ctx, fmt.Sprintf("model_cache:%d", i), "x", time.Duration(i+1)*time.Hour))
	}

	m.memoryPressure.Store(true)
	report := m.CleanupSweep(ctx)

	assert.Equal(t, []string{"empty"}, report.Evicted)
	assert.Equal(t, 1, m.ActiveSessionCount())
	assert.Equal(t, 1, report.CacheEvicted["model_cache:*"])
}

func TestEvictCaches_RemovesLowestTTLQuartile(t *testing.T) {
	m, kv, _ := newTestManager(Limits{})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, kv.Set(ctx, fmt.Sprintf("context:user:%d", i), "v", time.Duration(i+1)*time.Minute))
	}
	require.NoError(t, kv.Set(ctx, "context:user:pinned", "v", 0))
	require.NoError(t, kv.Set(ctx, "session:keep", "v", time.Second))

	evicted := m.EvictCaches(ctx)
	assert.Equal(t, 3, evicted["context:*"])
	assert.Equal(t, 0, evicted["conversation:*"])

	for _, gone := range []string{"context:user:0", "context:user:1", "context:user:2"} {
		_, err := kv.Get(ctx, gone)
		assert.ErrorIs(t, err, store.ErrNotFound, gone)
	}
	_, err := kv.Get(ctx, "context:user:pinned")
	assert.NoError(t, err)
	_, err = kv.Get(ctx, "session:keep")
	assert.NoError(t, err, "sessions are outside the eviction namespaces")
}

func TestEvictCaches_SingleKeyStillEvicted(t *testing.T) {
	m, kv, _ := newTestManager(Limits{})
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, "conversation:s1", "[]", time.Hour))

	evicted := m.EvictCaches(ctx)
	assert.Equal(t, 1, evicted["conversation:*"])
}

func TestMonitorSweep_SetsPressureFlags(t *testing.T) {
	m, kv, _ := newTestManager(Limits{MaxSessions: 10, SessionPressurePercent: 50, MemoryThresholdBytes: 4 << 20})
	ctx := context.Background()
	m.SetConnectionCounter(func() int { return 3 })

	sample := m.MonitorSweep(ctx)
	assert.False(t, sample.Pressure.Memory)
	assert.False(t, sample.Pressure.Session)
	assert.Equal(t, 3, sample.Connections)

	m.heapBytes = func() uint64 { return 8 << 20 }
	for i := 0; i < 5; i++ {
		require.True(t, m.RegisterSession(SessionInfo{ID: fmt.Sprintf("s%d", i)}))
	}

	sample = m.MonitorSweep(ctx)
	assert.True(t, sample.Pressure.Memory)
	assert.True(t, sample.Pressure.Session)
	assert.False(t, sample.Pressure.CPU)
	assert.Equal(t, PressureFlags{Memory: true, Session: true}, m.Pressure())

	raw, err := kv.Get(ctx, MetricsKey)
	require.NoError(t, err)
	var persisted Sample
	require.NoError(t, json.Unmarshal([]byte(raw), &persisted))
	assert.Equal(t, 5, persisted.Sessions)
}

func TestCPUSampler_Delta(t *testing.T) {
	readings := []float64{10, 10}
	i := 0
	c := &cpuSampler{read: func() (float64, error) {
		v := readings[i]
		i++
		return v, nil
	}}
	assert.Zero(t, c.percent(), "first sample has no baseline")
	assert.Zero(t, c.percent(), "no CPU consumed between samples")
}

func TestStartStop(t *testing.T) {
	m, _, _ := newTestManager(Limits{CleanupInterval: time.Hour, MonitorInterval: time.Hour})
	require.NoError(t, m.Every("noop", time.Hour, func(context.Context) {}))
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()), "second start is a no-op")
	require.NoError(t, m.Every("late", time.Hour, func(context.Context) {}))
	assert.NoError(t, m.Stop())
	assert.NoError(t, m.Stop())
}
