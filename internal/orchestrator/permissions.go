package orchestrator

import (
	"familyhub/internal/agents"
	"familyhub/internal/failure"
	"familyhub/internal/models"
)

// authorizeCreate checks the capabilities a new session needs
func authorizeCreate(user *models.UserContext, kind models.SessionKind, agent models.AgentType) error {
	if kind.VoiceCapable() && !user.Can(agents.CapabilityVoice) {
		return failure.SecurityDenied("create_session", "voice sessions require the voice capability")
	}
	if agent == models.AgentSecurity && !user.IsAdmin() {
		return failure.SecurityDenied("create_session", "security agent requires the admin role")
	}
	if !user.Can(agents.CapabilityFor(agent)) {
		return failure.SecurityDenied("create_session", "missing capability "+agents.CapabilityFor(agent))
	}
	return nil
}

// authorizeInput checks a user may send input of the given capability
func authorizeInput(user *models.UserContext, capability string) error {
	if !user.Can(capability) {
		return failure.SecurityDenied("process_input", "missing capability "+capability)
	}
	return nil
}

// permittedAgent falls back when the caller cannot reach the routed agent
func permittedAgent(user *models.UserContext, routed, current models.AgentType) models.AgentType {
	if routed == models.AgentSecurity && !user.IsAdmin() {
		return current
	}
	if user.Can(agents.CapabilityFor(routed)) {
		return routed
	}
	if user.Can(agents.CapabilityFor(models.AgentPersonal)) {
		return models.AgentPersonal
	}
	return current
}
