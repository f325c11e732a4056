package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"familyhub/internal/failure"
	"familyhub/internal/models"
	"familyhub/internal/store"
)

// DefaultSnapshotTTL bounds a rewritten durable snapshot
const DefaultSnapshotTTL = 24 * time.Hour

// Session recovery components, recovered independently
const (
	ComponentSession    = "session"
	ComponentSnapshot   = "snapshot"
	ComponentHistory    = "conversation_history"
	ComponentMemory     = "memory"
	ComponentAgentState = "agent_state"
)

// SessionHost is the session owner as seen by session recovery
type SessionHost interface {
	HasSession(sessionID string) bool
	SessionSnapshot(sessionID string) (models.SessionSnapshot, bool)
	RestoreSession(ctx context.Context, snap models.SessionSnapshot) error
	ReinitializeAgent(ctx context.Context, sessionID string) error
}

// MemorySource reloads the memory fragments of a session
type MemorySource interface {
	LoadUserContext(ctx context.Context, userID string) (*models.UserContext, error)
	GetConversationHistory(ctx context.Context, sessionID, userID string, limit int) ([]models.ConversationTurn, error)
}

// SessionResult is the outcome of a session recovery
type SessionResult struct {
	OperationID string          `json:"operation_id"`
	SessionID   string          `json:"session_id"`
	Recoverable bool            `json:"recoverable"`
	Success     bool            `json:"success"`
	Components  map[string]bool `json:"components"`
	Warnings    []string        `json:"warnings,omitempty"`
	Err         error           `json:"-"`
}

// SessionRecovery rebuilds a session from the orchestrator or the durable snapshot
type SessionRecovery struct {
	host        SessionHost
	kv          store.KeyValueStore
	memory      MemorySource
	ops         *Operations
	snapshotTTL time.Duration
}

// NewSessionRecovery creates the session strategy. memory may be nil.
func NewSessionRecovery(host SessionHost, kv store.KeyValueStore, memory MemorySource, ops *Operations) *SessionRecovery {
	return &SessionRecovery{host: host, kv: kv, memory: memory, ops: ops, snapshotTTL: DefaultSnapshotTTL}
}

// SetSnapshotTTL sets the expiry of rewritten snapshots; it should match the
// session owner's own snapshot expiry.
func (r *SessionRecovery) SetSnapshotTTL(ttl time.Duration) {
	if ttl > 0 {
		r.snapshotTTL = ttl
	}
}

type sessionTrace struct {
	inMemory    bool
	live        models.SessionSnapshot
	durable     *models.SessionSnapshot
	cacheFailed bool
}

func (r *SessionRecovery) analyze(ctx context.Context, sessionID string) sessionTrace {
	var trace sessionTrace
	if snap, ok := r.host.SessionSnapshot(sessionID); ok {
		trace.inMemory = true
		trace.live = snap
	}

	raw, err := r.kv.Get(ctx, models.SessionKey(sessionID))
	switch {
	case err == nil:
		var snap models.SessionSnapshot
		if jerr := json.Unmarshal([]byte(raw), &snap); jerr == nil && snap.ID != "" {
			trace.durable = &snap
		} else {
			log.WithField("session_id", sessionID).Warn("⚠️  [RECOVERY] Durable session snapshot is corrupt")
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		trace.cacheFailed = true
	}
	return trace
}

// Recover runs analyze, recover and validate for one session. A session with
// neither an orchestrator record nor a durable snapshot is non-recoverable and
// nothing is touched.
func (r *SessionRecovery) Recover(ctx context.Context, sessionID string) SessionResult {
	op := r.ops.begin("session", failure.CategorySessionManagement, sessionID)
	result := SessionResult{OperationID: op.ID, SessionID: sessionID, Components: map[string]bool{}}

	r.ops.transition(op, StateAnalyzing)
	trace := r.analyze(ctx, sessionID)
	if !trace.inMemory && trace.durable == nil {
		result.Err = failure.Fatal(failure.CategorySessionManagement, failure.SeverityHigh,
			"recovery.session", "no reconstructable trace for session "+sessionID, nil)
		r.ops.finish(op, false)
		log.WithField("session_id", sessionID).Warn("❌ [RECOVERY] Session is not recoverable")
		return result
	}
	result.Recoverable = true

	r.ops.transition(op, StateRecovering)
	snap := trace.live
	if !trace.inMemory {
		snap = *trace.durable
	}

	r.component(op, &result, ComponentSession, func() error {
		if trace.inMemory {
			return nil
		}
		return r.host.RestoreSession(ctx, snap)
	})
	r.component(op, &result, ComponentSnapshot, func() error {
		if trace.durable != nil {
			return nil
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return r.kv.Set(ctx, models.SessionKey(sessionID), string(data), r.snapshotTTL)
	})
	r.component(op, &result, ComponentHistory, func() error {
		if r.memory == nil {
			return nil
		}
		_, err := r.memory.GetConversationHistory(ctx, sessionID, snap.UserID, 0)
		return err
	})
	r.component(op, &result, ComponentMemory, func() error {
		if r.memory == nil {
			return nil
		}
		_, err := r.memory.LoadUserContext(ctx, snap.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	r.component(op, &result, ComponentAgentState, func() error {
		return r.host.ReinitializeAgent(ctx, sessionID)
	})

	r.ops.transition(op, StateValidating)
	if !r.host.HasSession(sessionID) {
		result.Err = failure.New(failure.CategorySessionManagement, failure.SeverityHigh,
			"recovery.session", "session missing from orchestrator after recovery", nil)
	} else if err := r.kv.Ping(ctx); err != nil {
		result.Err = failure.New(failure.CategorySessionManagement, failure.SeverityHigh,
			"recovery.session", "durable session cache unreachable", err)
	} else {
		result.Success = true
	}

	final := r.ops.finish(op, result.Success)
	result.Warnings = final.Warnings
	log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"success":    result.Success,
		"warnings":   len(result.Warnings),
		"attempt":    final.Attempts,
	}).Info("🔧 [RECOVERY] Session recovery finished")
	return result
}

func (r *SessionRecovery) component(op *Operation, result *SessionResult, name string, fn func() error) {
	err := fn()
	ok := err == nil
	result.Components[name] = ok
	r.ops.record(op, name, ok)
	if !ok {
		r.ops.warn(op, fmt.Sprintf("%s not recovered: %v", name, err))
	}
}
