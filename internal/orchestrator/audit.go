package orchestrator

import (
	"context"
	"time"

	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/google/uuid"
)

// Audit actions
const (
	AuditSessionCreated  = "session_created"
	AuditSessionClosed   = "session_closed"
	AuditSessionRestored = "session_restored"
	AuditSessionReset    = "session_reset"
	AuditAccessDenied    = "access_denied"
	AuditPrivacyChanged  = "privacy_changed"
)

// AuditRecord is one entry of the audit log collection
type AuditRecord struct {
	ID        string                 `bson:"_id" json:"id"`
	Action    string                 `bson:"action" json:"action"`
	SessionID string                 `bson:"sessionId,omitempty" json:"session_id,omitempty"`
	UserID    string                 `bson:"userId" json:"user_id"`
	Agent     models.AgentType       `bson:"agent,omitempty" json:"agent,omitempty"`
	Details   map[string]interface{} `bson:"details,omitempty" json:"details,omitempty"`
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
}

// auditor writes audit records best effort. A nil document store only logs.
type auditor struct {
	docs store.DocumentStore
}

func (a *auditor) record(ctx context.Context, rec AuditRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	log.WithFields(map[string]interface{}{
		"action":     rec.Action,
		"session_id": rec.SessionID,
		"user_id":    rec.UserID,
		"agent":      rec.Agent,
	}).Info("📋 [AUDIT] " + rec.Action)

	if a.docs == nil {
		return
	}
	if err := a.docs.InsertOne(context.WithoutCancel(ctx), store.CollectionAuditLog, rec); err != nil {
		log.WithError(err).WithField("action", rec.Action).Warn("⚠️  [AUDIT] Failed to persist audit record")
	}
}
