package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"familyhub/internal/audio"
	"familyhub/internal/engine"
	"familyhub/internal/failure"
	"familyhub/internal/models"
	"familyhub/internal/store"
)

// FamilyAgent answers household questions with the caller's family role in context
type FamilyAgent struct{ *base }

// NewFamilyAgent creates the family agent
func NewFamilyAgent(deps Deps) *FamilyAgent {
	return &FamilyAgent{newBase(models.AgentFamily,
		"You are the family assistant. Help coordinate members, invitations, schedules and chores.", 0.6, deps)}
}

// HandleRequest implements Agent
func (a *FamilyAgent) HandleRequest(ctx context.Context, req Request) <-chan models.Event {
	return run(req.Session.ID, func(out chan<- models.Event) {
		var extra []string
		if req.Session.FamilyID != "" && a.deps.Memory != nil {
			family, err := a.deps.Memory.LoadFamilyContext(ctx, req.Session.FamilyID, req.Session.UserID)
			switch {
			case err == nil:
				extra = append(extra, fmt.Sprintf("Family %q, %d members. Caller role: %s.", family.Name, len(family.Members), roleOrGuest(family.Role)))
			case errors.Is(err, store.ErrNotFound):
				out <- models.StatusEvent(req.Session.ID, "No family profile found yet.")
			default:
				log.WithError(err).Warn("⚠️  [AGENT] Failed to load family context")
			}
		}
		a.answer(ctx, out, req, engine.GenerateRequest{Prompt: a.prompt(req, extra)})
	})
}

func roleOrGuest(role string) string {
	if role == "" {
		return "guest"
	}
	return role
}

// PersonalAgent is the default agent. It folds the caller's matching notes into the prompt.
type PersonalAgent struct{ *base }

// NewPersonalAgent creates the personal agent
func NewPersonalAgent(deps Deps) *PersonalAgent {
	return &PersonalAgent{newBase(models.AgentPersonal,
		"You are a personal assistant. Be concise and use the user's notes when relevant.", 0.7, deps)}
}

// HandleRequest implements Agent
func (a *PersonalAgent) HandleRequest(ctx context.Context, req Request) <-chan models.Event {
	return run(req.Session.ID, func(out chan<- models.Event) {
		var extra []string
		if a.deps.Memory != nil {
			hits, err := findNotes(ctx, a.deps.Memory, req.Session.UserID, req.Text, maxNotes)
			if err != nil {
				log.WithError(err).Debug("[AGENT] Knowledge search failed")
			}
			for _, hit := range hits {
				extra = append(extra, "Note: "+hit.Item.Title+" - "+hit.Item.Content)
			}
		}
		a.answer(ctx, out, req, engine.GenerateRequest{Prompt: a.prompt(req, extra)})
	})
}

// WorkspaceAgent handles documents, projects and team work
type WorkspaceAgent struct{ *base }

// NewWorkspaceAgent creates the workspace agent
func NewWorkspaceAgent(deps Deps) *WorkspaceAgent {
	return &WorkspaceAgent{newBase(models.AgentWorkspace,
		"You are a workspace assistant for projects, documents and team tasks.", 0.5, deps)}
}

// HandleRequest implements Agent
func (a *WorkspaceAgent) HandleRequest(ctx context.Context, req Request) <-chan models.Event {
	return run(req.Session.ID, func(out chan<- models.Event) {
		var extra []string
		if ws := req.Session.User.WorkspaceID; ws != "" {
			extra = append(extra, "Workspace: "+ws)
		}
		a.answer(ctx, out, req, engine.GenerateRequest{Prompt: a.prompt(req, extra)})
	})
}

// CommerceAgent handles shopping, orders and storefront themes
type CommerceAgent struct{ *base }

// NewCommerceAgent creates the commerce agent
func NewCommerceAgent(deps Deps) *CommerceAgent {
	return &CommerceAgent{newBase(models.AgentCommerce,
		"You are a shopping assistant. Compare options and never complete a purchase without confirmation.", 0.3, deps)}
}

// HandleRequest implements Agent
func (a *CommerceAgent) HandleRequest(ctx context.Context, req Request) <-chan models.Event {
	return run(req.Session.ID, func(out chan<- models.Event) {
		a.answer(ctx, out, req, engine.GenerateRequest{Prompt: a.prompt(req, nil), MaxTokens: 800})
	})
}

// SecurityAgent reviews account and system security. Admin only.
type SecurityAgent struct{ *base }

// NewSecurityAgent creates the security agent
func NewSecurityAgent(deps Deps) *SecurityAgent {
	return &SecurityAgent{newBase(models.AgentSecurity,
		"You are a security reviewer. Be precise and list concrete remediation steps.", 0.2, deps)}
}

// HandleRequest implements Agent
func (a *SecurityAgent) HandleRequest(ctx context.Context, req Request) <-chan models.Event {
	return run(req.Session.ID, func(out chan<- models.Event) {
		if !req.Session.User.IsAdmin() {
			out <- models.ErrorEvent(req.Session.ID, failure.SecurityDenied("agent.security", "security agent requires the admin role"))
			return
		}
		gen := engine.GenerateRequest{Prompt: a.prompt(req, nil)}
		if catalog := a.deps.Engine.Catalog(); catalog.Reasoning != "" {
			gen.Model = catalog.Reasoning
		}
		a.answer(ctx, out, req, gen)
	})
}

// VoiceAgent transcribes audio and answers the transcript
type VoiceAgent struct {
	*base
	transcriber audio.Transcriber
}

// NewVoiceAgent creates the voice agent. transcriber may be nil when no
// speech provider is configured.
func NewVoiceAgent(deps Deps, transcriber audio.Transcriber) *VoiceAgent {
	return &VoiceAgent{
		base: newBase(models.AgentVoice,
			"You are a voice assistant. Answer in short spoken sentences without markdown.", 0.6, deps, CapabilityVoice),
		transcriber: transcriber,
	}
}

// HandleRequest implements Agent. Audio requests emit a transcript event
// before the answer; transcription failures are reported as voice errors.
func (a *VoiceAgent) HandleRequest(ctx context.Context, req Request) <-chan models.Event {
	return run(req.Session.ID, func(out chan<- models.Event) {
		if len(req.Audio) > 0 {
			if a.transcriber == nil {
				out <- models.ErrorEvent(req.Session.ID, failure.New(failure.CategoryVoiceProcessing, failure.SeverityMedium,
					"agent.voice", "speech-to-text is not configured", nil))
				return
			}
			lang, _ := req.Metadata["language"].(string)
			resp, err := a.transcriber.Transcribe(ctx, &audio.TranscribeRequest{Audio: req.Audio, MimeType: req.MimeType, Language: lang})
			if err != nil {
				if _, tagged := failure.As(err); !tagged {
					err = failure.New(failure.CategoryVoiceProcessing, failure.SeverityMedium, "agent.voice", "transcription failed", err)
				}
				out <- models.ErrorEvent(req.Session.ID, err)
				return
			}
			req.Text = strings.TrimSpace(resp.Text)
			ev := models.NewEvent(models.EventTranscript, req.Session.ID)
			ev.Agent = models.AgentVoice
			ev.Content = req.Text
			out <- ev
		}
		if req.Text == "" {
			out <- models.StatusEvent(req.Session.ID, "I didn't catch that.")
			return
		}
		a.answer(ctx, out, req, engine.GenerateRequest{Prompt: a.prompt(req, nil), MaxTokens: 300})
	})
}

// NewDefaultRegistry builds the registry with all six agents
func NewDefaultRegistry(deps Deps, transcriber audio.Transcriber) *Registry {
	r, err := NewRegistry(
		NewFamilyAgent(deps),
		NewPersonalAgent(deps),
		NewWorkspaceAgent(deps),
		NewCommerceAgent(deps),
		NewSecurityAgent(deps),
		NewVoiceAgent(deps, transcriber),
	)
	if err != nil {
		panic(err) // the list above is complete
	}
	return r
}
