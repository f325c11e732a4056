package models

import (
	"time"
)

// TurnRole is the speaker of a conversation turn
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
	TurnSystem    TurnRole = "system"
)

// PrivacyMode decides whether and how a turn may be persisted
type PrivacyMode string

const (
	PrivacyPrivate   PrivacyMode = "private"   // owner only, encrypted at rest when a key is configured
	PrivacyShared    PrivacyMode = "shared"    // readable by family members
	PrivacyEphemeral PrivacyMode = "ephemeral" // never leaves the privacy store
)

// Valid reports whether m is a known privacy mode
func (m PrivacyMode) Valid() bool {
	return m == PrivacyPrivate || m == PrivacyShared || m == PrivacyEphemeral
}

// ConversationTurn is one immutable entry in a session's conversation
type ConversationTurn struct {
	ID        string                 `bson:"_id" json:"id"`
	SessionID string                 `bson:"sessionId" json:"session_id"`
	UserID    string                 `bson:"userId" json:"user_id"`
	Role      TurnRole               `bson:"role" json:"role"`
	Content   string                 `bson:"content" json:"content"`
	AgentType AgentType              `bson:"agentType,omitempty" json:"agent_type,omitempty"`
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
	Metadata  map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
	Encrypted bool                   `bson:"encrypted,omitempty" json:"encrypted,omitempty"`
}

// KnowledgeItem is a user-owned note searchable by the knowledge lookup
type KnowledgeItem struct {
	ID        string    `bson:"_id" json:"id"`
	UserID    string    `bson:"userId" json:"user_id"`
	Title     string    `bson:"title" json:"title"`
	Content   string    `bson:"content" json:"content"`
	Tags      []string  `bson:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
}

// KnowledgeHit is a scored search result
type KnowledgeHit struct {
	Item  KnowledgeItem `json:"item"`
	Score int           `json:"score"`
}
