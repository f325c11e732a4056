package jobs

import (
	"context"
	"time"

	"familyhub/internal/health"
)

// DependencyHealthChecker runs the registered dependency probes periodically
// so breakers of idle dependencies still reflect their real state
type DependencyHealthChecker struct {
	healthService *health.Service
	interval      time.Duration
	lastRun       time.Time
}

// NewDependencyHealthChecker creates the probe job
func NewDependencyHealthChecker(healthService *health.Service, interval time.Duration) *DependencyHealthChecker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &DependencyHealthChecker{
		healthService: healthService,
		interval:      interval,
	}
}

// Run executes every probe once
func (p *DependencyHealthChecker) Run(ctx context.Context) error {
	p.lastRun = time.Now()
	failures := p.healthService.RunProbes(ctx)

	entry := log.WithField("failed", len(failures))
	if len(failures) > 0 {
		entry.Warn("[HEALTH-JOB] Dependency probes reported failures")
	} else {
		entry.Debug("[HEALTH-JOB] All dependency probes healthy")
	}
	return nil
}

// GetNextRunTime returns when the next check should run
func (p *DependencyHealthChecker) GetNextRunTime() time.Time {
	if p.lastRun.IsZero() {
		return time.Now().Add(30 * time.Second)
	}
	return p.lastRun.Add(p.interval)
}
