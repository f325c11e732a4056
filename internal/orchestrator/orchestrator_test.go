package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"familyhub/internal/agents"
	"familyhub/internal/audio"
	"familyhub/internal/config"
	"familyhub/internal/engine"
	"familyhub/internal/eventbus"
	"familyhub/internal/failure"
	"familyhub/internal/health"
	"familyhub/internal/inference"
	"familyhub/internal/inference/inferencetest"
	"familyhub/internal/memory"
	"familyhub/internal/models"
	"familyhub/internal/recovery"
	"familyhub/internal/resource"
	"familyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// flakyAgent fails its first n requests with a recoverable error
type flakyAgent struct {
	kind models.AgentType

	mu        sync.Mutex
	failures  int
	handled   int
	inits     int
	histories [][]models.ConversationTurn
}

func (a *flakyAgent) Type() models.AgentType { return a.kind }
func (a *flakyAgent) Capabilities() []string  { return []string{agents.CapabilityChat} }

func (a *flakyAgent) InitializeSession(context.Context, *models.Session) error {
	a.mu.Lock()
	a.inits++
	a.mu.Unlock()
	return nil
}

func (a *flakyAgent) Cleanup(context.Context, string) error { return nil }

func (a *flakyAgent) HandleRequest(_ context.Context, req agents.Request) <-chan models.Event {
	out := make(chan models.Event, 4)
	a.mu.Lock()
	a.handled++
	a.histories = append(a.histories, req.History)
	fail := a.failures > 0
	if fail {
		a.failures--
	}
	a.mu.Unlock()

	if fail {
		out <- models.ErrorEvent(req.Session.ID, failure.New(failure.CategoryAgentExecution, failure.SeverityMedium, "agent.flaky", "temporary glitch", nil))
	} else {
		out <- models.TokenEvent(req.Session.ID, a.kind, "steady answer")
	}
	close(out)
	return out
}

func (a *flakyAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handled
}

func (a *flakyAgent) seenHistories() [][]models.ConversationTurn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]models.ConversationTurn(nil), a.histories...)
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(context.Context, *audio.TranscribeRequest) (*audio.TranscribeResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &audio.TranscribeResponse{Text: f.text, Provider: "fake"}, nil
}

type pingFailKV struct {
	store.KeyValueStore
}

func (pingFailKV) Ping(context.Context) error { return errors.New("cache unreachable") }

type harness struct {
	orch      *Orchestrator
	kv        store.KeyValueStore
	docs      *store.MemoryDocuments
	resources *resource.Manager
	bus       *eventbus.Bus
	memory    *memory.Layer
	deps      agents.Deps
}

type harnessOptions struct {
	limits      resource.Limits
	kv          store.KeyValueStore
	transcriber audio.Transcriber
	replace     []agents.Agent
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	kv := opts.kv
	if kv == nil {
		kv = store.NewMemoryStore()
	}
	docs := store.NewMemoryDocuments()
	backend := inferencetest.NewBackend()
	breaker := health.NewCircuitBreaker(health.DependencyModelBackend, health.BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute})
	eng := engine.New(engine.Options{
		Gateway: inference.NewGateway([]inference.Backend{backend}, breaker),
		Catalog: config.DefaultModelCatalog(),
		KV:      kv,
	})
	mem := memory.New(memory.Options{KV: kv, Docs: docs})
	ops := recovery.NewOperations(time.Minute, nil)
	deps := agents.Deps{Engine: eng, Memory: mem, Recovery: recovery.NewModelRecovery(eng, ops)}

	list := []agents.Agent{}
	byType := map[models.AgentType]agents.Agent{}
	for _, a := range opts.replace {
		byType[a.Type()] = a
	}
	for _, a := range agents.NewDefaultRegistry(deps, opts.transcriber).All() {
		if r, ok := byType[a.Type()]; ok {
			list = append(list, r)
			continue
		}
		list = append(list, a)
	}
	registry, err := agents.NewRegistry(list...)
	require.NoError(t, err)

	limits := opts.limits
	if limits.InputRatePerSecond == 0 {
		limits.InputRatePerSecond = 1000
		limits.InputBurst = 1000
	}
	resources := resource.New(resource.Options{Limits: limits, KV: kv})
	bus := eventbus.New(eventbus.Options{KV: kv})

	orch, err := New(Options{
		Agents:      registry,
		Memory:      mem,
		Resources:   resources,
		Bus:         bus,
		KV:          kv,
		Docs:        docs,
		Engine:      eng,
		RecoveryOps: ops,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })

	return &harness{orch: orch, kv: kv, docs: docs, resources: resources, bus: bus, memory: mem, deps: deps}
}

func member(id string) models.UserContext {
	return models.UserContext{
		UserID:   id,
		FamilyID: "fam-1",
		Roles:    []string{models.RoleMember},
		Capabilities: []string{
			agents.CapabilityChat, agents.CapabilityVoice,
			"agent:personal", "agent:family", "agent:workspace", "agent:commerce", "agent:voice",
		},
	}
}

func admin(id string) models.UserContext {
	return models.UserContext{UserID: id, Roles: []string{models.RoleAdmin}}
}

func collect(t *testing.T, ch <-chan models.Event) []models.Event {
	t.Helper()
	var events []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not finish")
			return events
		}
	}
}

func ofType(events []models.Event, typ models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func tokens(events []models.Event) string {
	var b strings.Builder
	for _, ev := range ofType(events, models.EventToken) {
		b.WriteString(ev.Content)
	}
	return b.String()
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionMixed, models.AgentFamily)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, models.AgentFamily, sess.CurrentAgent)
	assert.Equal(t, []models.AgentType{models.AgentFamily}, sess.AgentHistory)
	assert.True(t, sess.VoiceEnabled)
	assert.Equal(t, models.SessionCreated, sess.State)

	assert.True(t, h.orch.HasSession(sess.ID))
	_, indexed := h.resources.Session(sess.ID)
	assert.True(t, indexed)

	raw, err := h.kv.Get(ctx, models.SessionKey(sess.ID))
	require.NoError(t, err)
	assert.Contains(t, raw, sess.ID)

	var records []AuditRecord
	require.NoError(t, h.docs.Find(ctx, store.CollectionAuditLog, bson.M{"sessionId": sess.ID}, store.FindOptions{}, &records))
	require.Len(t, records, 1)
	assert.Equal(t, AuditSessionCreated, records[0].Action)
}

func TestCreateSession_Permissions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	_, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentSecurity)
	assert.True(t, failure.IsSecurity(err))

	noVoice := member("u2")
	noVoice.Capabilities = []string{agents.CapabilityChat, "agent:personal"}
	_, err = h.orch.CreateSession(ctx, noVoice, models.SessionVoice, models.AgentPersonal)
	assert.True(t, failure.IsSecurity(err))

	_, err = h.orch.CreateSession(ctx, noVoice, models.SessionChat, models.AgentCommerce)
	assert.True(t, failure.IsSecurity(err))

	_, err = h.orch.CreateSession(ctx, admin("root"), models.SessionChat, models.AgentSecurity)
	assert.NoError(t, err)

	_, err = h.orch.CreateSession(ctx, member("u1"), models.SessionKind("video"), models.AgentPersonal)
	assert.Equal(t, failure.CategorySessionManagement, failure.CategoryOf(err))
}

func TestCreateSession_CapacityRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: resource.Limits{MaxSessions: 1}})
	ctx := context.Background()

	_, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	_, err = h.orch.CreateSession(ctx, member("u2"), models.SessionChat, models.AgentPersonal)
	require.Error(t, err)
	assert.Equal(t, failure.CategorySessionManagement, failure.CategoryOf(err))
	assert.Len(t, h.orch.ActiveSessions(), 1)
}

func TestProcessInput_AnswersAndStoresHistory(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "what should I cook tonight", nil))

	assert.Empty(t, ofType(events, models.EventAgentSwitch))
	assert.Empty(t, ofType(events, models.EventError))
	assert.Contains(t, tokens(events), "echo:")
	require.Len(t, ofType(events, models.EventComplete), 1)
	assert.Equal(t, models.EventComplete, events[len(events)-1].Type)

	history, err := h.memory.GetConversationHistory(ctx, sess.ID, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.TurnUser, history[0].Role)
	assert.Equal(t, "what should I cook tonight", history[0].Content)
	assert.Equal(t, models.TurnAssistant, history[1].Role)

	live, err := h.orch.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, live.State)
	assert.Len(t, live.Turns, 2)
}

func TestProcessInput_RoutesAndSwitchesAgent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "help me shop for a theme", nil))
	switches := ofType(events, models.EventAgentSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, models.AgentPersonal, switches[0].FromAgent)
	assert.Equal(t, models.AgentCommerce, switches[0].Agent)

	events = collect(t, h.orch.ProcessInput(ctx, sess.ID, "invite a family member", nil))
	require.Len(t, ofType(events, models.EventAgentSwitch), 1)

	events = collect(t, h.orch.ProcessInput(ctx, sess.ID, "check system security", nil))
	switches = ofType(events, models.EventAgentSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, models.AgentPersonal, switches[0].Agent)

	live, err := h.orch.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentPersonal, live.CurrentAgent)
	assert.Equal(t, []models.AgentType{
		models.AgentPersonal, models.AgentCommerce, models.AgentFamily, models.AgentPersonal,
	}, live.AgentHistory)
}

func TestProcessInput_AdminReachesSecurity(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, admin("root"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "check system security", nil))
	switches := ofType(events, models.EventAgentSwitch)
	require.Len(t, switches, 1)
	assert.Equal(t, models.AgentSecurity, switches[0].Agent)
	assert.Empty(t, ofType(events, models.EventError))
}

func TestProcessInput_UnknownSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	events := collect(t, h.orch.ProcessInput(context.Background(), "missing", "hi", nil))
	require.Len(t, events, 1)
	require.True(t, events[0].IsError())
	assert.Equal(t, string(failure.CategorySessionManagement), events[0].Error.Category)
}

func TestProcessInput_PermissionDenied(t *testing.T) {
	flaky := &flakyAgent{kind: models.AgentPersonal}
	h := newHarness(t, harnessOptions{replace: []agents.Agent{flaky}})
	ctx := context.Background()
	user := member("u1")
	user.Capabilities = []string{"agent:personal"}
	sess, err := h.orch.CreateSession(ctx, user, models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))
	require.Len(t, events, 1)
	require.True(t, events[0].IsError())
	assert.Equal(t, string(failure.CategorySecurityValidation), events[0].Error.Category)
	assert.False(t, events[0].Error.Recoverable)
	assert.Zero(t, flaky.calls())
	assert.Zero(t, h.orch.Recovery().Operations().Len())
}

func TestProcessInput_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: resource.Limits{InputRatePerSecond: 0.001, InputBurst: 1}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	first := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))
	assert.Empty(t, ofType(first, models.EventError))

	second := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello again", nil))
	errs := ofType(second, models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, string(failure.CategoryResourceManagement), errs[0].Error.Category)
}

func TestProcessInput_ReplaysAfterRecovery(t *testing.T) {
	flaky := &flakyAgent{kind: models.AgentPersonal, failures: 1}
	h := newHarness(t, harnessOptions{replace: []agents.Agent{flaky}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))

	assert.Empty(t, ofType(events, models.EventError))
	recoveries := ofType(events, models.EventRecovery)
	require.Len(t, recoveries, 1)
	assert.Equal(t, true, recoveries[0].Data["success"])
	assert.Equal(t, "steady answer", tokens(events))
	complete := ofType(events, models.EventComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, true, complete[0].Data["replayed"])
	assert.Equal(t, 2, flaky.calls())

	history, err := h.memory.GetConversationHistory(ctx, sess.ID, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "user turn is stored once across the replay")

	seen := flaky.seenHistories()
	require.Len(t, seen, 2)
	for i, turns := range seen {
		for _, turn := range turns {
			assert.False(t, turn.Role == models.TurnUser && turn.Content == "hello",
				"attempt %d repeats the pending input in history", i+1)
		}
	}
}

func TestWithoutPendingTurn(t *testing.T) {
	earlier := models.ConversationTurn{Role: models.TurnUser, Content: "hello"}
	answer := models.ConversationTurn{Role: models.TurnAssistant, Content: "hi"}
	pending := models.ConversationTurn{Role: models.TurnUser, Content: "hello"}

	assert.Equal(t, []models.ConversationTurn{earlier, answer}, withoutPendingTurn([]models.ConversationTurn{earlier, answer, pending}, "hello"))
	assert.Equal(t, []models.ConversationTurn{earlier, answer}, withoutPendingTurn([]models.ConversationTurn{earlier, answer}, "hello"))
	assert.Empty(t, withoutPendingTurn(nil, "hello"))
}

func TestProcessInput_ReplayFailsOnce(t *testing.T) {
	flaky := &flakyAgent{kind: models.AgentPersonal, failures: 5}
	h := newHarness(t, harnessOptions{replace: []agents.Agent{flaky}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))
	assert.Len(t, ofType(events, models.EventRecovery), 1)
	assert.Len(t, ofType(events, models.EventError), 1)
	assert.Equal(t, 2, flaky.calls())
	assert.True(t, h.orch.HasSession(sess.ID))
}

func TestProcessInput_FailedSessionRecoveryResetsSession(t *testing.T) {
	flaky := &flakyAgent{kind: models.AgentPersonal, failures: 1}
	h := newHarness(t, harnessOptions{
		kv:      pingFailKV{KeyValueStore: store.NewMemoryStore()},
		replace: []agents.Agent{flaky},
	})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))

	require.Len(t, ofType(events, models.EventError), 1)
	reset := ofType(events, models.EventSessionReset)
	require.Len(t, reset, 1)
	assert.Equal(t, models.EventSessionReset, events[len(events)-1].Type)
	assert.False(t, h.orch.HasSession(sess.ID))
	assert.Equal(t, 1, flaky.calls())
}

func TestProcessInput_ResetReachesTransports(t *testing.T) {
	flaky := &flakyAgent{kind: models.AgentPersonal, failures: 1}
	h := newHarness(t, harnessOptions{
		kv:      pingFailKV{KeyValueStore: store.NewMemoryStore()},
		replace: []agents.Agent{flaky},
	})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	tr := &recordingTransport{}
	h.bus.RegisterTransport(sess.ID, "u1", tr)
	collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))

	sent := tr.messages()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], `"type":"session_reset"`)
	assert.False(t, h.orch.HasSession(sess.ID))
}

func TestProcessInput_PreservesArrivalOrder(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	streams := []<-chan models.Event{
		h.orch.ProcessInput(ctx, sess.ID, "first", nil),
		h.orch.ProcessInput(ctx, sess.ID, "second", nil),
		h.orch.ProcessInput(ctx, sess.ID, "third", nil),
	}
	for i := len(streams) - 1; i >= 0; i-- {
		collect(t, streams[i])
	}

	history, err := h.memory.GetConversationHistory(ctx, sess.ID, "u1", 10)
	require.NoError(t, err)
	var users []string
	for _, turn := range history {
		if turn.Role == models.TurnUser {
			users = append(users, turn.Content)
		}
	}
	assert.Equal(t, []string{"first", "second", "third"}, users)
}

func TestProcessInput_AbandonedStreamDoesNotBlockSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	abandoned, cancel := context.WithCancel(ctx)
	_ = h.orch.ProcessInput(abandoned, sess.ID, "nobody reads this", nil)
	cancel()

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "still there?", nil))
	assert.Len(t, ofType(events, models.EventComplete), 1)
}

func TestProcessInput_EventsReachTransports(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	tr := &recordingTransport{}
	h.bus.RegisterTransport(sess.ID, "u1", tr)
	collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))

	sent := tr.messages()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1], `"type":"complete"`)
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingTransport) Send(text string) error {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func TestProcessVoiceInput_RequiresVoiceSession(t *testing.T) {
	h := newHarness(t, harnessOptions{transcriber: &fakeTranscriber{text: "hello"}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessVoiceInput(ctx, sess.ID, []byte("RIFF"), nil))
	require.Len(t, events, 1)
	require.True(t, events[0].IsError())
	assert.Equal(t, string(failure.CategoryVoiceProcessing), events[0].Error.Category)
}

func TestProcessVoiceInput_TranscribesAndAnswers(t *testing.T) {
	h := newHarness(t, harnessOptions{transcriber: &fakeTranscriber{text: "remind me to water the plants"}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionVoice, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessVoiceInput(ctx, sess.ID, []byte("RIFF"), map[string]interface{}{"mime_type": "audio/wav"}))

	transcripts := ofType(events, models.EventTranscript)
	require.Len(t, transcripts, 1)
	assert.Equal(t, "remind me to water the plants", transcripts[0].Content)
	assert.Len(t, ofType(events, models.EventComplete), 1)
	assert.Empty(t, ofType(events, models.EventError))

	history, err := h.memory.GetConversationHistory(ctx, sess.ID, "u1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "remind me to water the plants", history[0].Content)
	assert.Equal(t, models.AgentVoice, history[0].AgentType)
}

func TestProcessVoiceInput_FallsBackToText(t *testing.T) {
	h := newHarness(t, harnessOptions{transcriber: &fakeTranscriber{err: errors.New("whisper down")}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionMixed, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessVoiceInput(ctx, sess.ID, []byte("RIFF"), map[string]interface{}{"text": "what is on today"}))

	notices := ofType(events, models.EventVoiceNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, recovery.VoiceTextFallback, notices[0].Data["mode"])
	assert.Contains(t, tokens(events), "echo:")
	assert.Len(t, ofType(events, models.EventComplete), 1)
}

func TestProcessVoiceInput_NoticeWithoutFallback(t *testing.T) {
	h := newHarness(t, harnessOptions{transcriber: &fakeTranscriber{err: errors.New("whisper down")}})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionVoice, models.AgentPersonal)
	require.NoError(t, err)

	events := collect(t, h.orch.ProcessVoiceInput(ctx, sess.ID, []byte("RIFF"), nil))

	notices := ofType(events, models.EventVoiceNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, recovery.VoiceNotice, notices[0].Data["mode"])
	assert.Empty(t, ofType(events, models.EventComplete))
}

func TestCleanupSession_Idempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	assert.True(t, h.orch.CleanupSession(ctx, sess.ID))
	assert.False(t, h.orch.CleanupSession(ctx, sess.ID))

	assert.False(t, h.orch.HasSession(sess.ID))
	_, indexed := h.resources.Session(sess.ID)
	assert.False(t, indexed)
	_, err = h.kv.Get(ctx, models.SessionKey(sess.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)

	events := collect(t, h.orch.ProcessInput(ctx, sess.ID, "hello", nil))
	require.Len(t, events, 1)
	assert.True(t, events[0].IsError())
}

func TestPersistSnapshot_SkipsClosedSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	require.True(t, h.orch.CleanupSession(ctx, sess.ID))
	h.orch.persistSnapshot(ctx, sess.ID)

	_, err = h.kv.Get(ctx, models.SessionKey(sess.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSwitchAndCleanupLeaveNoSnapshot(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
		require.NoError(t, err)

		streamCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.orch.switchTo(ctx, newPump(streamCtx, 8), sess, models.AgentFamily)
		}()
		go func() {
			defer wg.Done()
			h.orch.CleanupSession(ctx, sess.ID)
		}()
		wg.Wait()
		cancel()

		_, err = h.kv.Get(ctx, models.SessionKey(sess.ID))
		assert.ErrorIs(t, err, store.ErrNotFound, "iteration %d left a snapshot behind", i)
	}
}

func TestIdleAndExpiryCallbacks(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	h.orch.MarkIdle(sess.ID)
	live, err := h.orch.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, live.State)

	collect(t, h.orch.ProcessInput(ctx, sess.ID, "back again", nil))
	live, err = h.orch.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, live.State)

	h.orch.ExpireSession(ctx, sess.ID)
	assert.False(t, h.orch.HasSession(sess.ID))
	_, err = h.kv.Get(ctx, models.SessionKey(sess.ID))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRestoreFromDurableSnapshot(t *testing.T) {
	kv := store.NewMemoryStore()
	first := newHarness(t, harnessOptions{kv: kv})
	ctx := context.Background()
	sess, err := first.orch.CreateSession(ctx, member("u1"), models.SessionMixed, models.AgentFamily)
	require.NoError(t, err)

	second := newHarness(t, harnessOptions{kv: kv})
	require.False(t, second.orch.HasSession(sess.ID))

	result := second.orch.Recovery().Session.Recover(ctx, sess.ID)
	require.True(t, result.Success, result.Warnings)

	restored, err := second.orch.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentFamily, restored.CurrentAgent)
	assert.True(t, restored.VoiceEnabled)
	assert.Equal(t, "u1", restored.User.UserID)
}

func TestSetPrivacyMode_OwnerOnly(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	sess, err := h.orch.CreateSession(ctx, member("u1"), models.SessionChat, models.AgentPersonal)
	require.NoError(t, err)

	err = h.orch.SetPrivacyMode(ctx, sess.ID, "intruder", models.PrivacyShared)
	assert.True(t, failure.IsSecurity(err))

	require.NoError(t, h.orch.SetPrivacyMode(ctx, sess.ID, "u1", models.PrivacyEphemeral))
	assert.Equal(t, models.PrivacyEphemeral, h.memory.PrivacyMode(sess.ID))

	live, err := h.orch.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PrivacyEphemeral, live.PrivacyMode)
}
