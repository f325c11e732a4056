package models

import (
	"time"

	"familyhub/internal/failure"
)

// EventType tags each variant of the event union streamed to callers
type EventType string

const (
	EventToken        EventType = "token"
	EventAgentSwitch  EventType = "agent_switch"
	EventStatus       EventType = "status"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
	EventTranscript   EventType = "transcript"
	EventVoiceNotice  EventType = "voice_notice"
	EventSessionReset EventType = "session_reset"
	EventRecovery     EventType = "recovery"
)

// Event is the single stream element for normal output and failures alike.
// Consumers switch on Type; error details travel in the same channel.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Agent     AgentType              `json:"agent,omitempty"`
	Content   string                 `json:"content,omitempty"`
	FromAgent AgentType              `json:"from_agent,omitempty"`
	Cached    bool                   `json:"cached,omitempty"`
	Error     *ErrorDetail           `json:"error,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ErrorDetail carries a failure through the event stream
type ErrorDetail struct {
	Category    string `json:"category"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// IsError reports whether the event carries a failure
func (e Event) IsError() bool {
	return e.Type == EventError
}

// NewEvent stamps an event with its session and time
func NewEvent(eventType EventType, sessionID string) Event {
	return Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// TokenEvent carries one increment of agent output
func TokenEvent(sessionID string, agent AgentType, content string) Event {
	ev := NewEvent(EventToken, sessionID)
	ev.Agent = agent
	ev.Content = content
	return ev
}

// AgentSwitchEvent announces a routing change
func AgentSwitchEvent(sessionID string, from, to AgentType) Event {
	ev := NewEvent(EventAgentSwitch, sessionID)
	ev.FromAgent = from
	ev.Agent = to
	return ev
}

// StatusEvent carries an informational notice
func StatusEvent(sessionID, content string) Event {
	ev := NewEvent(EventStatus, sessionID)
	ev.Content = content
	return ev
}

// ErrorEvent converts err into an error event. Untagged errors are reported as
// recoverable agent execution failures.
func ErrorEvent(sessionID string, err error) Event {
	ev := NewEvent(EventError, sessionID)
	if fe, ok := failure.As(err); ok {
		ev.Error = &ErrorDetail{
			Category:    string(fe.Category),
			Severity:    string(fe.Severity),
			Message:     fe.Error(),
			Recoverable: fe.Recoverable,
		}
		return ev
	}
	ev.Error = &ErrorDetail{
		Category:    string(failure.CategoryAgentExecution),
		Severity:    string(failure.SeverityMedium),
		Message:     err.Error(),
		Recoverable: true,
	}
	return ev
}
