package orchestrator

import (
	"context"
	"time"

	"familyhub/internal/failure"
	"familyhub/internal/models"
	"familyhub/internal/resource"
	"github.com/google/uuid"
)

// CreateSession opens a session for user on initialAgent
func (o *Orchestrator) CreateSession(ctx context.Context, user models.UserContext, kind models.SessionKind, initialAgent models.AgentType) (*models.Session, error) {
	if !kind.Valid() {
		return nil, failure.Fatal(failure.CategorySessionManagement, failure.SeverityLow, "create_session", "unknown session kind "+string(kind), nil)
	}
	if !initialAgent.Valid() {
		return nil, failure.Fatal(failure.CategorySessionManagement, failure.SeverityLow, "create_session", "unknown agent "+string(initialAgent), nil)
	}
	if err := authorizeCreate(&user, kind, initialAgent); err != nil {
		o.audit.record(ctx, AuditRecord{Action: AuditAccessDenied, UserID: user.UserID, Agent: initialAgent,
			Details: map[string]interface{}{"operation": "create_session", "reason": err.Error()}})
		return nil, err
	}
	agent, ok := o.agents.Get(initialAgent)
	if !ok {
		return nil, failure.Fatal(failure.CategorySessionManagement, failure.SeverityHigh, "create_session", "no agent registered for "+string(initialAgent), nil)
	}

	now := time.Now()
	sess := &models.Session{
		ID:           uuid.New().String(),
		UserID:       user.UserID,
		FamilyID:     user.FamilyID,
		Kind:         kind,
		CurrentAgent: initialAgent,
		AgentHistory: []models.AgentType{initialAgent},
		VoiceEnabled: kind.VoiceCapable(),
		State:        models.SessionCreated,
		User:         user,
		CreatedAt:    now,
		LastActivity: now,
	}
	sess.PrivacyMode = o.memory.PrivacyMode(sess.ID)

	if !o.resources.RegisterSession(resource.SessionInfo{ID: sess.ID, UserID: sess.UserID, CreatedAt: now, LastActivity: now}) {
		return nil, failure.New(failure.CategorySessionManagement, failure.SeverityHigh, "create_session", "session capacity reached", nil)
	}
	if err := agent.InitializeSession(ctx, sess.Snapshot()); err != nil {
		o.resources.UnregisterSession(sess.ID)
		return nil, failure.New(failure.CategorySessionManagement, failure.SeverityHigh, "create_session", "agent initialisation failed", err)
	}
	if err := o.memory.SetPrivacyMode(sess.ID, sess.UserID, sess.PrivacyMode); err != nil {
		log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Failed to record privacy mode")
	}
	o.writeSnapshot(ctx, sess)

	o.mu.Lock()
	o.sessions[sess.ID] = &sessionEntry{session: sess, worker: newWorker(o.queueSize)}
	out := sess.Snapshot()
	o.mu.Unlock()

	o.audit.record(ctx, AuditRecord{Action: AuditSessionCreated, SessionID: sess.ID, UserID: sess.UserID, Agent: initialAgent,
		Details: map[string]interface{}{"kind": kind}})
	log.WithFields(map[string]interface{}{
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"agent":      initialAgent,
		"kind":       kind,
	}).Info("✅ [ORCHESTRATOR] Session created")
	return out, nil
}

// CleanupSession tears a session down. It reports false when the session
// was already gone.
func (o *Orchestrator) CleanupSession(ctx context.Context, sessionID string) bool {
	return o.cleanup(ctx, sessionID, AuditSessionClosed)
}

func (o *Orchestrator) cleanup(ctx context.Context, sessionID, action string) bool {
	o.mu.Lock()
	e, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	for _, a := range o.agents.All() {
		if err := a.Cleanup(ctx, sessionID); err != nil {
			log.WithError(err).WithFields(map[string]interface{}{
				"session_id": sessionID,
				"agent":      a.Type(),
			}).Warn("⚠️  [ORCHESTRATOR] Agent cleanup failed")
		}
	}
	o.resources.UnregisterSession(sessionID)
	o.bus.DropSession(sessionID)
	e.snapMu.Lock()
	if err := o.kv.Delete(ctx, models.SessionKey(sessionID)); err != nil {
		log.WithError(err).WithField("session_id", sessionID).Warn("⚠️  [ORCHESTRATOR] Failed to delete session snapshot")
	}
	e.snapMu.Unlock()
	o.memory.ForgetSession(ctx, sessionID)
	e.worker.stop()

	o.audit.record(ctx, AuditRecord{Action: action, SessionID: sessionID, UserID: e.session.UserID})
	log.WithFields(map[string]interface{}{
		"session_id": sessionID,
		"reason":     action,
	}).Info("🧹 [ORCHESTRATOR] Session cleaned up")
	return true
}

// MarkIdle moves an active session to idle
func (o *Orchestrator) MarkIdle(sessionID string) {
	o.update(sessionID, func(s *models.Session) {
		if s.State != models.SessionExpired {
			s.State = models.SessionIdle
		}
	})
}

// ExpireSession notifies subscribers and removes an inactive session
func (o *Orchestrator) ExpireSession(ctx context.Context, sessionID string) {
	if _, ok := o.update(sessionID, func(s *models.Session) { s.State = models.SessionExpired }); !ok {
		return
	}
	ev := models.NewEvent(models.EventSessionReset, sessionID)
	ev.Content = "session expired after inactivity"
	ev.Data = map[string]interface{}{"reason": "expired"}
	o.bus.EmitEvent(ev)
	o.cleanup(ctx, sessionID, "session_expired")
}

// RestoreSession brings a session back from its durable snapshot
func (o *Orchestrator) RestoreSession(ctx context.Context, snap models.SessionSnapshot) error {
	if o.HasSession(snap.ID) {
		return nil
	}
	if !snap.CurrentAgent.Valid() {
		return failure.Fatal(failure.CategorySessionManagement, failure.SeverityHigh, "restore_session", "snapshot has no valid agent", nil)
	}
	sess := models.SessionFromSnapshot(snap)
	if !o.resources.RegisterSession(resource.SessionInfo{ID: sess.ID, UserID: sess.UserID, CreatedAt: sess.CreatedAt}) {
		return failure.New(failure.CategorySessionManagement, failure.SeverityHigh, "restore_session", "session capacity reached", nil)
	}
	agent, _ := o.agents.Get(sess.CurrentAgent)
	if err := agent.InitializeSession(ctx, sess.Snapshot()); err != nil {
		o.resources.UnregisterSession(sess.ID)
		return failure.New(failure.CategorySessionManagement, failure.SeverityHigh, "restore_session", "agent initialisation failed", err)
	}
	if snap.PrivacyMode.Valid() {
		if err := o.memory.SetPrivacyMode(sess.ID, sess.UserID, snap.PrivacyMode); err != nil {
			log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Failed to restore privacy mode")
		}
	}

	o.mu.Lock()
	if _, exists := o.sessions[sess.ID]; exists {
		o.mu.Unlock()
		return nil
	}
	o.sessions[sess.ID] = &sessionEntry{session: sess, worker: newWorker(o.queueSize)}
	o.mu.Unlock()

	restored, err := o.bus.RestoreBuffer(ctx, sess.ID)
	if err != nil {
		log.WithError(err).WithField("session_id", sess.ID).Warn("⚠️  [ORCHESTRATOR] Failed to restore event buffer")
	}
	o.persistSnapshot(ctx, sess.ID)
	o.audit.record(ctx, AuditRecord{Action: AuditSessionRestored, SessionID: sess.ID, UserID: sess.UserID, Agent: sess.CurrentAgent,
		Details: map[string]interface{}{"buffered_events": restored}})
	return nil
}

// ReinitializeAgent re-runs the current agent's session setup
func (o *Orchestrator) ReinitializeAgent(ctx context.Context, sessionID string) error {
	sess, ok := o.lookup(sessionID)
	if !ok {
		return failure.NotFound("reinitialize_agent", sessionID)
	}
	agent, ok := o.agents.Get(sess.CurrentAgent)
	if !ok {
		return failure.New(failure.CategoryAgentExecution, failure.SeverityMedium, "reinitialize_agent", "no agent registered for "+string(sess.CurrentAgent), nil)
	}
	return agent.InitializeSession(ctx, sess)
}

// SetPrivacyMode changes how a session's turns are stored. Only the session
// owner may change it.
func (o *Orchestrator) SetPrivacyMode(ctx context.Context, sessionID, userID string, mode models.PrivacyMode) error {
	sess, ok := o.lookup(sessionID)
	if !ok {
		return failure.NotFound("set_privacy_mode", sessionID)
	}
	if sess.UserID != userID {
		o.audit.record(ctx, AuditRecord{Action: AuditAccessDenied, SessionID: sessionID, UserID: userID,
			Details: map[string]interface{}{"operation": "set_privacy_mode"}})
		return failure.SecurityDenied("set_privacy_mode", "only the session owner may change privacy")
	}
	if err := o.memory.SetPrivacyMode(sessionID, userID, mode); err != nil {
		return err
	}
	if _, ok := o.update(sessionID, func(s *models.Session) { s.PrivacyMode = mode }); !ok {
		return failure.NotFound("set_privacy_mode", sessionID)
	}
	o.persistSnapshot(ctx, sessionID)
	o.audit.record(ctx, AuditRecord{Action: AuditPrivacyChanged, SessionID: sessionID, UserID: userID,
		Details: map[string]interface{}{"mode": mode}})
	return nil
}

// Shutdown stops every session worker and waits for queued inputs to finish.
// Durable snapshots are kept so sessions can be restored by another instance.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	workers := make([]*worker, 0, len(o.sessions))
	for _, e := range o.sessions {
		workers = append(workers, e.worker)
	}
	o.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	for _, w := range workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.WithField("sessions", len(workers)).Info("✅ [ORCHESTRATOR] Session workers stopped")
	return nil
}
