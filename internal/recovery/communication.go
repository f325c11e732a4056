package recovery

import (
	"time"

	"familyhub/internal/failure"
	"familyhub/internal/health"
)

// Channel names a transport kind
type Channel string

const (
	ChannelWebSocket     Channel = "websocket"
	ChannelRealtimeVoice Channel = "realtime_voice"
)

// TransportCounter reports live transports per session
type TransportCounter interface {
	TransportCount(sessionID string) int
}

// CommunicationResult carries reconnection guidance for one channel
type CommunicationResult struct {
	OperationID       string        `json:"operation_id"`
	Channel           Channel       `json:"channel"`
	Success           bool          `json:"success"`
	ReconnectRequired bool          `json:"reconnect_required"`
	Guidance          string        `json:"guidance"`
	RetryAfter        time.Duration `json:"retry_after,omitempty"`
}

// CommunicationRecovery decides how a client should reattach to a session
type CommunicationRecovery struct {
	transports TransportCounter
	breakers   *health.Service
	ops        *Operations
}

// NewCommunicationRecovery creates the transport strategy
func NewCommunicationRecovery(transports TransportCounter, breakers *health.Service, ops *Operations) *CommunicationRecovery {
	return &CommunicationRecovery{transports: transports, breakers: breakers, ops: ops}
}

// Recover returns channel-specific guidance. Events emitted while no transport
// is attached stay buffered, so a websocket recovery succeeds whenever the
// transport breaker is not open.
func (r *CommunicationRecovery) Recover(sessionID string, channel Channel) CommunicationResult {
	op := r.ops.begin("communication", failure.CategoryCommunication, sessionID)
	r.ops.transition(op, StateAnalyzing)
	result := CommunicationResult{OperationID: op.ID, Channel: channel}

	switch channel {
	case ChannelRealtimeVoice:
		speech := r.breakers.Breaker(health.DependencySpeech)
		result.ReconnectRequired = true
		if speech.State() == health.StateOpen {
			result.RetryAfter = speech.RetryAfter()
			result.Guidance = "Voice service is recovering. Continue in text and reopen the voice channel later."
		} else {
			result.Success = true
			result.Guidance = "Reopen the voice channel. Text input remains available meanwhile."
		}
	default:
		result.Channel = ChannelWebSocket
		transport := r.breakers.Breaker(health.DependencyTransport)
		attached := r.transports != nil && r.transports.TransportCount(sessionID) > 0
		result.ReconnectRequired = !attached
		if transport.State() == health.StateOpen {
			result.RetryAfter = transport.RetryAfter()
			result.ReconnectRequired = true
			result.Guidance = "Connection is unstable. Reconnect with backoff; pending events are kept for this session."
		} else {
			result.Success = true
			if attached {
				result.Guidance = "Connection is healthy."
			} else {
				result.Guidance = "Reconnect the websocket to receive buffered events."
			}
		}
	}

	r.ops.record(op, string(result.Channel), result.Success)
	r.ops.finish(op, result.Success)
	return result
}
