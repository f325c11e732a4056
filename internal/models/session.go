package models

import (
	"time"
)

// AgentType identifies one of the closed set of agents a session can be routed to
type AgentType string

const (
	AgentFamily    AgentType = "family"
	AgentPersonal  AgentType = "personal"
	AgentWorkspace AgentType = "workspace"
	AgentCommerce  AgentType = "commerce"
	AgentSecurity  AgentType = "security"
	AgentVoice     AgentType = "voice"
)

// AllAgentTypes lists every agent in registry order
var AllAgentTypes = []AgentType{
	AgentFamily,
	AgentPersonal,
	AgentWorkspace,
	AgentCommerce,
	AgentSecurity,
	AgentVoice,
}

// Valid reports whether a is a known agent
func (a AgentType) Valid() bool {
	for _, t := range AllAgentTypes {
		if t == a {
			return true
		}
	}
	return false
}

// SessionKind is the interaction mode a session was opened with
type SessionKind string

const (
	SessionChat  SessionKind = "chat"
	SessionVoice SessionKind = "voice"
	SessionMixed SessionKind = "mixed"
)

// Valid reports whether k is a known session kind
func (k SessionKind) Valid() bool {
	return k == SessionChat || k == SessionVoice || k == SessionMixed
}

// VoiceCapable reports whether sessions of this kind accept audio input
func (k SessionKind) VoiceCapable() bool {
	return k == SessionVoice || k == SessionMixed
}

// SessionState tracks the session lifecycle
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionActive  SessionState = "active"
	SessionIdle    SessionState = "idle"
	SessionExpired SessionState = "expired"
)

// Role names used in user contexts
const (
	RoleAdmin  = "admin"
	RoleParent = "parent"
	RoleMember = "member"
	RoleChild  = "child"
)

// UserContext is the authenticated caller identity handed to the orchestrator
type UserContext struct {
	UserID       string                 `bson:"userId" json:"user_id"`
	FamilyID     string                 `bson:"familyId,omitempty" json:"family_id,omitempty"`
	WorkspaceID  string                 `bson:"workspaceId,omitempty" json:"workspace_id,omitempty"`
	DisplayName  string                 `bson:"displayName,omitempty" json:"display_name,omitempty"`
	Roles        []string               `bson:"roles" json:"roles"`
	Capabilities []string               `bson:"capabilities" json:"capabilities"`
	Preferences  map[string]interface{} `bson:"preferences,omitempty" json:"preferences,omitempty"`
	UpdatedAt    time.Time              `bson:"updatedAt" json:"updated_at"`
}

// HasRole reports whether the user holds role
func (u *UserContext) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the user holds the admin role
func (u *UserContext) IsAdmin() bool {
	return u.HasRole(RoleAdmin)
}

// Can reports whether the user holds a capability. Admins hold every capability.
func (u *UserContext) Can(capability string) bool {
	if u == nil {
		return false
	}
	if u.IsAdmin() {
		return true
	}
	for _, c := range u.Capabilities {
		if c == capability || c == "*" {
			return true
		}
	}
	return false
}

// Session is a logical, long-lived conversation tying a user to an agent and its history.
// The orchestrator owns every Session; other components only see snapshots.
type Session struct {
	ID           string             `json:"id"`
	UserID       string             `json:"user_id"`
	FamilyID     string             `json:"family_id,omitempty"`
	Kind         SessionKind        `json:"kind"`
	CurrentAgent AgentType          `json:"current_agent"`
	AgentHistory []AgentType        `json:"agent_history"`
	Turns        []ConversationTurn `json:"-"`
	VoiceEnabled bool               `json:"voice_enabled"`
	PrivacyMode  PrivacyMode        `json:"privacy_mode"`
	State        SessionState       `json:"state"`
	User         UserContext        `json:"user"`
	CreatedAt    time.Time          `json:"created_at"`
	LastActivity time.Time          `json:"last_activity"`
}

// SwitchAgent makes agent current and appends it to the history
func (s *Session) SwitchAgent(agent AgentType) {
	s.CurrentAgent = agent
	s.AgentHistory = append(s.AgentHistory, agent)
}

// Snapshot returns a copy safe to hand to other components
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.AgentHistory = append([]AgentType(nil), s.AgentHistory...)
	cp.Turns = append([]ConversationTurn(nil), s.Turns...)
	return &cp
}

// SessionSnapshot is the durable record written to the cache store so a session
// can be reconstructed after a failure
type SessionSnapshot struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	FamilyID     string       `json:"family_id,omitempty"`
	Kind         SessionKind  `json:"kind"`
	CurrentAgent AgentType    `json:"current_agent"`
	AgentHistory []AgentType  `json:"agent_history"`
	VoiceEnabled bool         `json:"voice_enabled"`
	PrivacyMode  PrivacyMode  `json:"privacy_mode"`
	User         UserContext  `json:"user"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
}

// ToSnapshot converts the live session into its durable form
func (s *Session) ToSnapshot() SessionSnapshot {
	return SessionSnapshot{
		ID:           s.ID,
		UserID:       s.UserID,
		FamilyID:     s.FamilyID,
		Kind:         s.Kind,
		CurrentAgent: s.CurrentAgent,
		AgentHistory: append([]AgentType(nil), s.AgentHistory...),
		VoiceEnabled: s.VoiceEnabled,
		PrivacyMode:  s.PrivacyMode,
		User:         s.User,
		State:        s.State,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
}

// SessionFromSnapshot rebuilds a live session from its durable form
func SessionFromSnapshot(snap SessionSnapshot) *Session {
	history := append([]AgentType(nil), snap.AgentHistory...)
	if len(history) == 0 && snap.CurrentAgent != "" {
		history = []AgentType{snap.CurrentAgent}
	}
	return &Session{
		ID:           snap.ID,
		UserID:       snap.UserID,
		FamilyID:     snap.FamilyID,
		Kind:         snap.Kind,
		CurrentAgent: snap.CurrentAgent,
		AgentHistory: history,
		VoiceEnabled: snap.VoiceEnabled,
		PrivacyMode:  snap.PrivacyMode,
		User:         snap.User,
		State:        SessionActive,
		CreatedAt:    snap.CreatedAt,
		LastActivity: time.Now(),
	}
}

// SessionKey is the cache-store key of a session's durable snapshot
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// SessionKeyPattern matches every durable session snapshot
const SessionKeyPattern = "session:*"
