// Package orchestrator owns the live sessions. It routes each input to an
// agent, persists the conversation through the memory layer and falls back to
// the recovery suite when a step fails.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"familyhub/internal/agents"
	"familyhub/internal/eventbus"
	"familyhub/internal/failure"
	"familyhub/internal/logging"
	"familyhub/internal/memory"
	"familyhub/internal/metrics"
	"familyhub/internal/models"
	"familyhub/internal/recovery"
	"familyhub/internal/resource"
	"familyhub/internal/store"
)

var log = logging.Component("orchestrator")

const (
	DefaultQueueSize    = 32
	DefaultEventBacklog = 256
	DefaultHistoryLimit = 20
	DefaultSnapshotTTL  = recovery.DefaultSnapshotTTL
)

// Options wire an Orchestrator
type Options struct {
	Agents    *agents.Registry
	Memory    *memory.Layer
	Resources *resource.Manager
	Bus       *eventbus.Bus
	KV        store.KeyValueStore
	Docs      store.DocumentStore // audit log; nil only logs
	Engine    recovery.Generator  // model recovery; nil disables it
	Metrics   *metrics.Metrics

	// RecoveryOps shares the recovery operation registry with agent model recovery
	RecoveryOps *recovery.Operations

	QueueSize    int
	EventBacklog int
	HistoryLimit int
	SnapshotTTL  time.Duration
}

type sessionEntry struct {
	session *models.Session
	worker  *worker

	// snapMu orders snapshot writes against the delete in cleanup
	snapMu sync.Mutex
}

// Orchestrator is the agent orchestrator
type Orchestrator struct {
	agents    *agents.Registry
	memory    *memory.Layer
	resources *resource.Manager
	bus       *eventbus.Bus
	kv        store.KeyValueStore
	recovery  *recovery.Manager
	audit     *auditor
	metrics   *metrics.Metrics

	queueSize    int
	backlog      int
	historyLimit int
	snapshotTTL  time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

// New creates an orchestrator and registers it for the resource manager's
// idle and expiry callbacks
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Agents == nil:
		return nil, errors.New("orchestrator: agent registry is required")
	case opts.Memory == nil:
		return nil, errors.New("orchestrator: memory layer is required")
	case opts.Resources == nil:
		return nil, errors.New("orchestrator: resource manager is required")
	case opts.Bus == nil:
		return nil, errors.New("orchestrator: event bus is required")
	case opts.KV == nil:
		return nil, errors.New("orchestrator: key-value store is required")
	}

	o := &Orchestrator{
		agents:       opts.Agents,
		memory:       opts.Memory,
		resources:    opts.Resources,
		bus:          opts.Bus,
		kv:           opts.KV,
		audit:        &auditor{docs: opts.Docs},
		metrics:      opts.Metrics,
		queueSize:    opts.QueueSize,
		backlog:      opts.EventBacklog,
		historyLimit: opts.HistoryLimit,
		snapshotTTL:  opts.SnapshotTTL,
		sessions:     make(map[string]*sessionEntry),
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	if o.backlog <= 0 {
		o.backlog = DefaultEventBacklog
	}
	if o.historyLimit <= 0 {
		o.historyLimit = DefaultHistoryLimit
	}
	if o.snapshotTTL <= 0 {
		o.snapshotTTL = DefaultSnapshotTTL
	}

	o.recovery = recovery.NewManager(recovery.Options{
		Host:        o,
		KV:          opts.KV,
		Memory:      opts.Memory,
		Engine:      opts.Engine,
		Transports:  opts.Bus,
		Health:      opts.Resources.Health(),
		Metrics:     opts.Metrics,
		SnapshotTTL: o.snapshotTTL,
		Ops:         opts.RecoveryOps,
	})

	opts.Resources.SetCallbacks(resource.Callbacks{
		OnIdle:   o.MarkIdle,
		OnExpire: o.ExpireSession,
	})
	opts.Resources.SetConnectionCounter(opts.Bus.ConnectionCount)

	return o, nil
}

// Recovery returns the recovery suite
func (o *Orchestrator) Recovery() *recovery.Manager {
	return o.recovery
}

// HasSession reports whether the session is live
func (o *Orchestrator) HasSession(sessionID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.sessions[sessionID]
	return ok
}

// SessionSnapshot returns the durable form of a live session
func (o *Orchestrator) SessionSnapshot(sessionID string) (models.SessionSnapshot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.sessions[sessionID]
	if !ok {
		return models.SessionSnapshot{}, false
	}
	return e.session.ToSnapshot(), true
}

// GetSession returns a copy of a live session
func (o *Orchestrator) GetSession(sessionID string) (*models.Session, error) {
	sess, ok := o.lookup(sessionID)
	if !ok {
		return nil, failure.NotFound("get_session", sessionID)
	}
	return sess, nil
}

// ActiveSessions returns copies of the live sessions, oldest first
func (o *Orchestrator) ActiveSessions() []*models.Session {
	o.mu.RLock()
	out := make([]*models.Session, 0, len(o.sessions))
	for _, e := range o.sessions {
		out = append(out, e.session.Snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (o *Orchestrator) lookup(sessionID string) (*models.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.session.Snapshot(), true
}

// update applies fn to the live session under the session map lock
func (o *Orchestrator) update(sessionID string, fn func(s *models.Session)) (*models.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.sessions[sessionID]
	if !ok {
		return nil, false
	}
	fn(e.session)
	return e.session.Snapshot(), true
}

// persistSnapshot writes the durable record of a live session. Nothing is
// written once cleanup has removed the session. Failures are logged;
// session recovery rewrites a missing snapshot.
func (o *Orchestrator) persistSnapshot(ctx context.Context, sessionID string) {
	o.mu.RLock()
	e, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return
	}

	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	o.mu.RLock()
	live := o.sessions[sessionID] == e
	var sess *models.Session
	if live {
		sess = e.session.Snapshot()
	}
	o.mu.RUnlock()
	if !live {
		return
	}
	o.writeSnapshot(ctx, sess)
}

func (o *Orchestrator) writeSnapshot(ctx context.Context, sess *models.Session) {
	data, err := json.Marshal(sess.ToSnapshot())
	if err != nil {
		log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Failed to encode session snapshot")
		return
	}
	if err := o.kv.Set(ctx, models.SessionKey(sess.ID), string(data), o.snapshotTTL); err != nil {
		log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Failed to persist session snapshot")
	}
}

// emit delivers ev to the caller's stream and, for live sessions, the bus
func (o *Orchestrator) emit(p *pump, ev models.Event) {
	p.push(ev)
	if o.HasSession(ev.SessionID) {
		o.bus.EmitEvent(ev)
	}
}

// enqueue hands job to the session's worker
func (o *Orchestrator) enqueue(op, sessionID string, job func()) error {
	o.mu.RLock()
	e, ok := o.sessions[sessionID]
	o.mu.RUnlock()
	if !ok {
		return failure.NotFound(op, sessionID)
	}
	switch err := e.worker.enqueue(job); {
	case err == nil:
		return nil
	case errors.Is(err, ErrQueueFull):
		o.metrics.RecordRateLimited()
		return failure.Fatal(failure.CategoryResourceManagement, failure.SeverityMedium, op, "too many pending inputs", err)
	default:
		return failure.NotFound(op, sessionID)
	}
}
