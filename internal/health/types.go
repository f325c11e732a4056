package health

import (
	"context"
	"time"
)

// BreakerState is the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Dependency names with a breaker registered at startup
const (
	DependencyModelBackend  = "model_backend"
	DependencyCacheStore    = "cache_store"
	DependencyDocumentStore = "document_store"
	DependencyTransport     = "transport"
	DependencySpeech        = "speech"
)

// BreakerConfig parameterises a breaker
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	CallTimeout      time.Duration // per-call deadline, 0 = caller's context only
}

// BreakerSnapshot is a point-in-time view of one breaker
type BreakerSnapshot struct {
	Name             string       `json:"name"`
	State            BreakerState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	LastFailure      time.Time    `json:"last_failure,omitempty"`
	FailureThreshold int          `json:"failure_threshold"`
	RecoveryTimeout  string       `json:"recovery_timeout"`
}

// Probe is a lightweight liveness check for one dependency
type Probe interface {
	// Dependency returns the breaker name the probe reports on.
	Dependency() string
	// Check returns nil when the dependency answered.
	Check(ctx context.Context) error
}
