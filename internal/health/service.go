package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"familyhub/internal/logging"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 30 * time.Second
)

var log = logging.Component("health")

// Service hosts one circuit breaker per external dependency
type Service struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	probes   []Probe
	defaults BreakerConfig
}

// NewService creates a breaker registry. Breakers requested by name without
// explicit registration get the defaults.
func NewService(defaults BreakerConfig) *Service {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = defaultFailureThreshold
	}
	if defaults.RecoveryTimeout <= 0 {
		defaults.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &Service{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Register creates (or replaces) the breaker for a dependency
func (s *Service) Register(name string, config BreakerConfig) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = s.defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = s.defaults.RecoveryTimeout
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = s.defaults.CallTimeout
	}
	b := NewCircuitBreaker(name, config)
	s.breakers[name] = b
	log.Debugf("[HEALTH] Registered breaker %s threshold=%d recovery=%s timeout=%s",
		name, config.FailureThreshold, config.RecoveryTimeout, config.CallTimeout)
	return b
}

// Breaker returns the breaker for name, creating one with defaults if needed
func (s *Service) Breaker(name string) *CircuitBreaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b = NewCircuitBreaker(name, s.defaults)
	s.breakers[name] = b
	return b
}

// Call runs fn through the named breaker
func (s *Service) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return s.Breaker(name).Call(ctx, fn)
}

// AddProbe registers a liveness probe
func (s *Service) AddProbe(p Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes = append(s.probes, p)
}

// RunProbes checks every probe through its dependency's breaker and returns the failures
func (s *Service) RunProbes(ctx context.Context) map[string]error {
	s.mu.RLock()
	probes := append([]Probe(nil), s.probes...)
	s.mu.RUnlock()

	failures := make(map[string]error)
	for _, p := range probes {
		if err := s.Call(ctx, p.Dependency(), p.Check); err != nil {
			failures[p.Dependency()] = err
			log.Warnf("[HEALTH] Probe %s failed: %v", p.Dependency(), err)
		}
	}
	return failures
}

// Snapshot returns every breaker ordered by name
func (s *Service) Snapshot() []BreakerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]BreakerSnapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		result = append(result, b.Snapshot())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// GetStatus returns a summary suitable for the health endpoint
func (s *Service) GetStatus() map[string]interface{} {
	snaps := s.Snapshot()
	open := 0
	for _, snap := range snaps {
		if snap.State != StateClosed {
			open++
		}
	}
	return map[string]interface{}{
		"breakers":     snaps,
		"total":        len(snaps),
		"not_closed":   open,
		"all_closed":   open == 0,
		"evaluated_at": time.Now().Format(time.RFC3339),
	}
}
