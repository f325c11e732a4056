package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"familyhub/internal/engine"
	"familyhub/internal/failure"
	"familyhub/internal/memory"
	"familyhub/internal/models"
	"familyhub/internal/recovery"
)

// historyWindow bounds how many turns are folded into the prompt
const historyWindow = 10

// Deps are the collaborators shared by every agent
type Deps struct {
	Engine   *engine.Engine
	Memory   *memory.Layer
	Recovery *recovery.ModelRecovery
}

type sessionState struct {
	startedAt time.Time
	requests  int
}

// base implements session bookkeeping and model-backed answering
type base struct {
	kind        models.AgentType
	caps        []string
	system      string
	temperature float64
	deps        Deps

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func newBase(kind models.AgentType, system string, temperature float64, deps Deps, extraCaps ...string) *base {
	caps := append([]string{CapabilityChat, CapabilityFor(kind)}, extraCaps...)
	return &base{
		kind:        kind,
		caps:        caps,
		system:      system,
		temperature: temperature,
		deps:        deps,
		sessions:    make(map[string]*sessionState),
	}
}

func (b *base) Type() models.AgentType { return b.kind }

func (b *base) Capabilities() []string {
	return append([]string(nil), b.caps...)
}

func (b *base) InitializeSession(_ context.Context, session *models.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[session.ID]; !ok {
		b.sessions[session.ID] = &sessionState{startedAt: time.Now()}
	}
	return nil
}

func (b *base) Cleanup(_ context.Context, sessionID string) error {
	b.mu.Lock()
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	return nil
}

// touch counts a request, initialising state lazily for routed-in sessions
func (b *base) touch(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionState{startedAt: time.Now()}
		b.sessions[sessionID] = st
	}
	st.requests++
	return st.requests
}

// Requests returns how many requests the agent served for a session
func (b *base) Requests(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.sessions[sessionID]; ok {
		return st.requests
	}
	return 0
}

func (b *base) prompt(req Request, extra []string) string {
	var sb strings.Builder
	for _, c := range extra {
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	for _, turn := range history {
		fmt.Fprintf(&sb, "%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintf(&sb, "user: %s\nassistant:", req.Text)
	return sb.String()
}

// answer streams a model answer as token events followed by a status event
// carrying the totals. Model failures go through model recovery when wired.
func (b *base) answer(ctx context.Context, out chan<- models.Event, req Request, gen engine.GenerateRequest) {
	sessionID := req.Session.ID
	b.touch(sessionID)
	if gen.System == "" {
		gen.System = b.system
	}
	if gen.Model == "" {
		// classify the user's words, not the assembled prompt
		gen.Model = engine.SelectModel(req.Text, b.deps.Engine.Catalog())
	}
	if gen.Temperature == 0 {
		gen.Temperature = b.temperature
	}
	gen.Stream = true
	gen.UseCache = true

	var (
		model    string
		tokens   int
		cached   bool
		degraded bool
	)
	for chunk := range b.deps.Engine.GenerateResponse(ctx, gen) {
		if chunk.Err != nil {
			if b.deps.Recovery == nil {
				out <- models.ErrorEvent(sessionID, chunk.Err)
				return
			}
			failed := chunk.Model
			if failed == "" {
				failed = b.deps.Engine.ResolveModel(gen)
			}
			result := b.deps.Recovery.Recover(ctx, sessionID, gen, failed)
			out <- recoveryNotice(sessionID, result)
			for rc := range result.Chunks(ctx) {
				if rc.Done {
					model, tokens, cached, degraded = rc.Model, rc.TokenCount, rc.Cached, rc.Degraded
					continue
				}
				out <- models.TokenEvent(sessionID, b.kind, rc.Content)
			}
			break
		}
		if chunk.Done {
			model, tokens, cached, degraded = chunk.Model, chunk.TokenCount, chunk.Cached, chunk.Degraded
			continue
		}
		if chunk.Content != "" {
			out <- models.TokenEvent(sessionID, b.kind, chunk.Content)
		}
	}

	done := models.NewEvent(models.EventStatus, sessionID)
	done.Agent = b.kind
	done.Cached = cached
	done.Data = map[string]interface{}{
		"model":    model,
		"tokens":   tokens,
		"degraded": degraded,
	}
	out <- done
}

func recoveryNotice(sessionID string, result recovery.ModelResult) models.Event {
	ev := models.NewEvent(models.EventRecovery, sessionID)
	ev.Data = map[string]interface{}{
		"strategy":     result.Strategy,
		"model":        result.Model,
		"attempted":    result.Attempted,
		"operation_id": result.OperationID,
	}
	return ev
}

// run executes fn on a fresh buffered channel, turning panics into error events
func run(sessionID string, fn func(out chan<- models.Event)) <-chan models.Event {
	out := make(chan models.Event, 16)
	go func() {
		defer close(out)
		defer func() {
			if r := recover(); r != nil {
				out <- models.ErrorEvent(sessionID, failure.New(failure.CategoryAgentExecution, failure.SeverityHigh,
					"agent.handle", fmt.Sprintf("agent panicked: %v", r), nil))
			}
		}()
		fn(out)
	}()
	return out
}
