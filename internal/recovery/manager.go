package recovery

import (
	"context"
	"time"

	"familyhub/internal/failure"
	"familyhub/internal/health"
	"familyhub/internal/metrics"
	"familyhub/internal/store"
)

// Manager bundles the recovery strategies behind one entry point
type Manager struct {
	Session       *SessionRecovery
	Model         *ModelRecovery
	Voice         *VoiceRecovery
	Communication *CommunicationRecovery

	host SessionHost
	ops  *Operations
}

// Options wire a Manager
type Options struct {
	Host       SessionHost
	KV         store.KeyValueStore
	Memory     MemorySource
	Engine     Generator
	Transports TransportCounter
	Health     *health.Service
	Metrics    *metrics.Metrics
	GCDelay    time.Duration
	// SnapshotTTL is the expiry of snapshots rewritten by session recovery
	SnapshotTTL time.Duration
	// Ops shares an existing operation registry, e.g. with agent model recovery
	Ops *Operations
}

// NewManager creates the recovery suite
func NewManager(opts Options) *Manager {
	if opts.Health == nil {
		opts.Health = health.NewService(health.BreakerConfig{})
	}
	ops := opts.Ops
	if ops == nil {
		ops = NewOperations(opts.GCDelay, opts.Metrics)
	}
	m := &Manager{
		Session:       NewSessionRecovery(opts.Host, opts.KV, opts.Memory, ops),
		Voice:         NewVoiceRecovery(ops),
		Communication: NewCommunicationRecovery(opts.Transports, opts.Health, ops),
		host:          opts.Host,
		ops:           ops,
	}
	m.Session.SetSnapshotTTL(opts.SnapshotTTL)
	if opts.Engine != nil {
		m.Model = NewModelRecovery(opts.Engine, ops)
	}
	return m
}

// Operation returns a tracked recovery operation
func (m *Manager) Operation(id string) (Operation, bool) {
	return m.ops.Operation(id)
}

// Operations returns the operation registry
func (m *Manager) Operations() *Operations {
	return m.ops
}

// ComprehensiveRequest describes the failure being recovered from
type ComprehensiveRequest struct {
	SessionID    string
	Cause        error
	VoiceEnabled bool
	TextFallback string
}

// ComprehensiveResult combines the per-strategy outcomes
type ComprehensiveResult struct {
	OperationID string              `json:"operation_id"`
	Success     bool                `json:"success"`
	Session     SessionResult       `json:"session"`
	Transport   CommunicationResult `json:"transport"`
	Voice       *VoiceResult        `json:"voice,omitempty"`
	Warnings    []string            `json:"warnings,omitempty"`
	NextSteps   []string            `json:"next_steps,omitempty"`
}

// SessionFailed reports whether the session part of the recovery failed
func (r ComprehensiveResult) SessionFailed() bool {
	return !r.Session.Success
}

// Comprehensive runs session and transport recovery, plus voice recovery when
// the session has voice enabled. Success needs both session and transport.
func (m *Manager) Comprehensive(ctx context.Context, req ComprehensiveRequest) ComprehensiveResult {
	op := m.ops.begin("comprehensive", failure.CategoryOf(req.Cause), req.SessionID)
	m.ops.transition(op, StateRecovering)

	voiceEnabled := req.VoiceEnabled
	if snap, ok := m.host.SessionSnapshot(req.SessionID); ok {
		voiceEnabled = snap.VoiceEnabled
	}

	result := ComprehensiveResult{OperationID: op.ID}
	result.Session = m.Session.Recover(ctx, req.SessionID)
	result.Transport = m.Communication.Recover(req.SessionID, ChannelWebSocket)
	if voiceEnabled {
		v := m.Voice.Recover(req.SessionID, req.TextFallback, req.Cause)
		result.Voice = &v
	}

	m.ops.record(op, "session", result.Session.Success)
	m.ops.record(op, "transport", result.Transport.Success)
	result.Warnings = append(result.Warnings, result.Session.Warnings...)

	switch {
	case !result.Session.Recoverable:
		result.Warnings = append(result.Warnings, "session could not be reconstructed")
		result.NextSteps = append(result.NextSteps, "start a new session")
	case !result.Session.Success:
		result.Warnings = append(result.Warnings, "session recovery did not validate")
		result.NextSteps = append(result.NextSteps, "start a new session")
	}
	if !result.Transport.Success {
		result.Warnings = append(result.Warnings, "transport recovery failed")
	}
	if result.Transport.ReconnectRequired {
		result.NextSteps = append(result.NextSteps, "reconnect the client transport")
	}
	if result.Voice != nil {
		m.ops.record(op, "voice", result.Voice.Success)
		if !result.Voice.Success {
			result.Warnings = append(result.Warnings, "voice channel unavailable")
			result.NextSteps = append(result.NextSteps, result.Voice.SuggestedActions...)
		}
	}

	result.Success = result.Session.Success && result.Transport.Success
	for _, w := range result.Warnings {
		m.ops.warn(op, w)
	}
	m.ops.finish(op, result.Success)

	entry := log.WithFields(map[string]interface{}{
		"session_id": req.SessionID,
		"category":   failure.CategoryOf(req.Cause),
		"success":    result.Success,
		"warnings":   len(result.Warnings),
	})
	if result.Success {
		entry.Info("✅ [RECOVERY] Comprehensive recovery succeeded")
	} else {
		entry.Warn("❌ [RECOVERY] Comprehensive recovery failed")
	}
	return result
}
