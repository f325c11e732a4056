// Package agents holds the closed set of agents a session can be routed to.
package agents

import (
	"context"
	"fmt"

	"familyhub/internal/logging"
	"familyhub/internal/models"
)

var log = logging.Component("agents")

// Capability names checked by the orchestrator
const (
	CapabilityChat  = "chat"
	CapabilityVoice = "voice"
)

// CapabilityFor is the capability a user needs to reach an agent
func CapabilityFor(agent models.AgentType) string {
	return "agent:" + string(agent)
}

// Request is one routed input
type Request struct {
	Session  *models.Session // snapshot, never the live session
	Text     string
	Audio    []byte
	MimeType string
	Metadata map[string]interface{}
	History  []models.ConversationTurn
}

// Agent is the capability interface every agent implements. HandleRequest
// streams events and reports failures as error events on the same channel.
type Agent interface {
	Type() models.AgentType
	Capabilities() []string
	InitializeSession(ctx context.Context, session *models.Session) error
	HandleRequest(ctx context.Context, req Request) <-chan models.Event
	Cleanup(ctx context.Context, sessionID string) error
}

// Registry maps routing decisions to agents
type Registry struct {
	agents map[models.AgentType]Agent
}

// NewRegistry builds a registry. Every agent type must be present exactly once.
func NewRegistry(list ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[models.AgentType]Agent, len(list))}
	for _, a := range list {
		if _, dup := r.agents[a.Type()]; dup {
			return nil, fmt.Errorf("duplicate agent %s", a.Type())
		}
		r.agents[a.Type()] = a
	}
	for _, t := range models.AllAgentTypes {
		if _, ok := r.agents[t]; !ok {
			return nil, fmt.Errorf("missing agent %s", t)
		}
	}
	return r, nil
}

// Get returns the agent for a routing decision
func (r *Registry) Get(t models.AgentType) (Agent, bool) {
	a, ok := r.agents[t]
	return a, ok
}

// All returns the agents in registry order
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, t := range models.AllAgentTypes {
		out = append(out, r.agents[t])
	}
	return out
}
