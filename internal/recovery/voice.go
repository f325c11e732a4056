package recovery

import (
	"familyhub/internal/failure"
)

// VoiceUnavailableNotice is returned when no text fallback exists
const VoiceUnavailableNotice = "Voice is unavailable right now. Please use text instead."

// Voice recovery modes
const (
	VoiceTextFallback = "text_fallback"
	VoiceNotice       = "notice"
)

// VoiceResult is the outcome of a voice recovery. It never leaves the turn unanswered.
type VoiceResult struct {
	OperationID      string   `json:"operation_id"`
	Success          bool     `json:"success"`
	Mode             string   `json:"mode"`
	Message          string   `json:"message"`
	SuggestedActions []string `json:"suggested_actions,omitempty"`
}

// VoiceRecovery falls back from audio to text
type VoiceRecovery struct {
	ops *Operations
}

// NewVoiceRecovery creates the voice strategy
func NewVoiceRecovery(ops *Operations) *VoiceRecovery {
	return &VoiceRecovery{ops: ops}
}

// Recover prefers textFallback when supplied and otherwise returns the
// voice-unavailable notice with suggested actions
func (r *VoiceRecovery) Recover(sessionID, textFallback string, cause error) VoiceResult {
	op := r.ops.begin("voice", failure.CategoryVoiceProcessing, sessionID)
	r.ops.transition(op, StateRecovering)

	if textFallback != "" {
		r.ops.record(op, VoiceTextFallback, true)
		r.ops.finish(op, true)
		return VoiceResult{OperationID: op.ID, Success: true, Mode: VoiceTextFallback, Message: textFallback}
	}

	r.ops.record(op, VoiceNotice, true)
	r.ops.finish(op, false)
	if cause != nil {
		log.WithField("session_id", sessionID).WithError(cause).Warn("⚠️  [RECOVERY] Voice unavailable, asking user to switch to text")
	}
	return VoiceResult{
		OperationID: op.ID,
		Success:     false,
		Mode:        VoiceNotice,
		Message:     VoiceUnavailableNotice,
		SuggestedActions: []string{
			"Type your message in the chat box",
			"Check microphone permissions",
			"Try voice again in a few minutes",
		},
	}
}
