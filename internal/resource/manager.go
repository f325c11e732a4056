// Package resource tracks live sessions for capacity accounting, samples
// process pressure and runs the periodic cleanup and monitoring sweeps.
package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"familyhub/internal/health"
	"familyhub/internal/logging"
	"familyhub/internal/metrics"
	"familyhub/internal/store"
	"golang.org/x/time/rate"
)

var log = logging.Component("resource")

// SessionInfo is the manager's non-owning index entry for a session
type SessionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Idle         bool      `json:"idle"`
}

// Limits are the capacity and pressure thresholds
type Limits struct {
	MaxSessions            int
	SessionTimeout         time.Duration
	IdleThreshold          time.Duration
	MemoryThresholdBytes   uint64
	CPUThresholdPercent    float64
	SessionPressurePercent float64
	CleanupInterval        time.Duration
	MonitorInterval        time.Duration
	InputRatePerSecond     float64
	InputBurst             int
}

// DefaultLimits returns conservative single-node limits
func DefaultLimits() Limits {
	return Limits{
		MaxSessions:            1000,
		SessionTimeout:         30 * time.Minute,
		IdleThreshold:          5 * time.Minute,
		MemoryThresholdBytes:   2 << 30,
		CPUThresholdPercent:    85,
		SessionPressurePercent: 90,
		CleanupInterval:        time.Minute,
		MonitorInterval:        30 * time.Second,
		InputRatePerSecond:     2,
		InputBurst:             5,
	}
}

// Callbacks let the session owner react to sweep decisions. The manager
// never removes a session it does not own; expiry goes through OnExpire.
type Callbacks struct {
	OnIdle   func(sessionID string)
	OnExpire func(ctx context.Context, sessionID string)
}

// Manager is the resource manager
type Manager struct {
	limits  Limits
	kv      store.KeyValueStore
	health  *health.Service
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*SessionInfo
	limiters sync.Map // sessionID -> *rate.Limiter

	cbMu      sync.RWMutex
	callbacks Callbacks

	memoryPressure  atomic.Bool
	cpuPressure     atomic.Bool
	sessionPressure atomic.Bool

	connections func() int
	heapBytes   func() uint64
	cpu         *cpuSampler
	now         func() time.Time

	scheduler *scheduler
}

// Options configure a Manager
type Options struct {
	Limits  Limits
	KV      store.KeyValueStore
	Health  *health.Service
	Metrics *metrics.Metrics
}

// New creates a resource manager
func New(opts Options) *Manager {
	limits := opts.Limits
	def := DefaultLimits()
	if limits.MaxSessions <= 0 {
		limits.MaxSessions = def.MaxSessions
	}
	if limits.SessionTimeout <= 0 {
		limits.SessionTimeout = def.SessionTimeout
	}
	if limits.IdleThreshold <= 0 {
		limits.IdleThreshold = def.IdleThreshold
	}
	if limits.MemoryThresholdBytes == 0 {
		limits.MemoryThresholdBytes = def.MemoryThresholdBytes
	}
	if limits.CPUThresholdPercent <= 0 {
		limits.CPUThresholdPercent = def.CPUThresholdPercent
	}
	if limits.SessionPressurePercent <= 0 {
		limits.SessionPressurePercent = def.SessionPressurePercent
	}
	if limits.CleanupInterval <= 0 {
		limits.CleanupInterval = def.CleanupInterval
	}
	if limits.MonitorInterval <= 0 {
		limits.MonitorInterval = def.MonitorInterval
	}
	if limits.InputRatePerSecond <= 0 {
		limits.InputRatePerSecond = def.InputRatePerSecond
	}
	if limits.InputBurst <= 0 {
		limits.InputBurst = def.InputBurst
	}
	if opts.Health == nil {
		opts.Health = health.NewService(health.BreakerConfig{})
	}

	return &Manager{
		limits:      limits,
		kv:          opts.KV,
		health:      opts.Health,
		metrics:     opts.Metrics,
		sessions:    make(map[string]*SessionInfo),
		connections: func() int { return 0 },
		heapBytes:   readHeapBytes,
		cpu:         newCPUSampler(),
		now:         time.Now,
	}
}

// SetCallbacks installs the session owner's idle and expiry hooks
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.cbMu.Lock()
	m.callbacks = cb
	m.cbMu.Unlock()
}

// SetConnectionCounter installs the live transport counter used by the monitor
func (m *Manager) SetConnectionCounter(fn func() int) {
	if fn != nil {
		m.connections = fn
	}
}

// Health returns the breaker registry
func (m *Manager) Health() *health.Service {
	return m.health
}

// Breaker returns the breaker for a dependency
func (m *Manager) Breaker(name string) *health.CircuitBreaker {
	return m.health.Breaker(name)
}

// Limits returns the configured limits
func (m *Manager) Limits() Limits {
	return m.limits
}

// RegisterSession indexes a session. It returns false once the active
// session count has reached the configured maximum.
func (m *Manager) RegisterSession(info SessionInfo) bool {
	m.mu.Lock()
	if len(m.sessions) >= m.limits.MaxSessions {
		m.mu.Unlock()
		log.WithField("max_sessions", m.limits.MaxSessions).Warn("⚠️  [RESOURCE] Session capacity reached, rejecting registration")
		return false
	}
	now := m.now()
	if info.CreatedAt.IsZero() {
		info.CreatedAt = now
	}
	if info.LastActivity.IsZero() {
		info.LastActivity = now
	}
	m.sessions[info.ID] = &info
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetActiveSessions(count)
	return true
}

// UnregisterSession removes a session from the index
func (m *Manager) UnregisterSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	count := len(m.sessions)
	m.mu.Unlock()

	m.limiters.Delete(sessionID)
	m.metrics.SetActiveSessions(count)
}

// TouchSession records activity. It reports false for unknown sessions.
func (m *Manager) TouchSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	info.LastActivity = m.now()
	info.MessageCount++
	info.Idle = false
	return true
}

// Session returns a copy of a session's index entry
func (m *Manager) Session(sessionID string) (SessionInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return *info, true
}

// ActiveSessionCount returns the number of indexed sessions
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Allow takes one token from the session's input bucket
func (m *Manager) Allow(sessionID string) bool {
	if v, ok := m.limiters.Load(sessionID); ok {
		return v.(*rate.Limiter).Allow()
	}
	limiter := rate.NewLimiter(rate.Limit(m.limits.InputRatePerSecond), m.limits.InputBurst)
	actual, _ := m.limiters.LoadOrStore(sessionID, limiter)
	return actual.(*rate.Limiter).Allow()
}

// Pressure reports the current pressure flags
func (m *Manager) Pressure() PressureFlags {
	return PressureFlags{
		Memory:  m.memoryPressure.Load(),
		CPU:     m.cpuPressure.Load(),
		Session: m.sessionPressure.Load(),
	}
}

// PressureFlags are the three threshold flags set by the monitor sweep
type PressureFlags struct {
	Memory  bool `json:"memory"`
	CPU     bool `json:"cpu"`
	Session bool `json:"session"`
}

func (p PressureFlags) asMap() map[string]bool {
	return map[string]bool{"memory": p.Memory, "cpu": p.CPU, "session": p.Session}
}
