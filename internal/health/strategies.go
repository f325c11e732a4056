package health

import "context"

// PingProbe adapts any Ping(ctx) method into a Probe
type PingProbe struct {
	Name string
	Ping func(ctx context.Context) error
}

// Dependency returns the breaker name
func (p PingProbe) Dependency() string { return p.Name }

// Check calls Ping
func (p PingProbe) Check(ctx context.Context) error { return p.Ping(ctx) }
