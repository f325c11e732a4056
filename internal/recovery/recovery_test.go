package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"familyhub/internal/config"
	"familyhub/internal/engine"
	"familyhub/internal/failure"
	"familyhub/internal/health"
	"familyhub/internal/models"
	"familyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	mu           sync.Mutex
	sessions     map[string]models.SessionSnapshot
	restored     []string
	reinitFails  bool
	restoreFails bool
}

func newFakeHost() *fakeHost {
	return &fakeHost{sessions: map[string]models.SessionSnapshot{}}
}

func (h *fakeHost) HasSession(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[id]
	return ok
}

func (h *fakeHost) SessionSnapshot(id string) (models.SessionSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *fakeHost) RestoreSession(_ context.Context, snap models.SessionSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.restoreFails {
		return errors.New("restore refused")
	}
	h.sessions[snap.ID] = snap
	h.restored = append(h.restored, snap.ID)
	return nil
}

func (h *fakeHost) ReinitializeAgent(context.Context, string) error {
	if h.reinitFails {
		return errors.New("agent init failed")
	}
	return nil
}

type fakeGenerator struct {
	catalog *config.ModelCatalog
	working map[string]string
	cached  map[string]string
	calls   []string
}

func (g *fakeGenerator) Generate(_ context.Context, req engine.GenerateRequest) (*engine.Response, error) {
	g.calls = append(g.calls, req.Model)
	if answer, ok := g.working[req.Model]; ok {
		return &engine.Response{Content: answer, Model: req.Model, TokenCount: 3}, nil
	}
	return nil, errors.New("backend down")
}

func (g *fakeGenerator) CachedResponse(_ context.Context, prompt, model string, _ float64) (*engine.Response, bool) {
	content, ok := g.cached[prompt+"|"+model]
	if !ok {
		return nil, false
	}
	return &engine.Response{Content: content, Model: model, Cached: true}, true
}

func (g *fakeGenerator) Catalog() *config.ModelCatalog { return g.catalog }

func putSnapshot(t *testing.T, kv store.KeyValueStore, snap models.SessionSnapshot) {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, kv.Set(context.Background(), models.SessionKey(snap.ID), string(data), 0))
}

func TestSessionRecovery_NoTraceIsNotRecoverable(t *testing.T) {
	host := newFakeHost()
	kv := store.NewMemoryStore()
	r := NewSessionRecovery(host, kv, nil, NewOperations(time.Minute, nil))

	result := r.Recover(context.Background(), "ghost")

	assert.False(t, result.Recoverable)
	assert.False(t, result.Success)
	assert.False(t, failure.IsRecoverable(result.Err))
	assert.Empty(t, host.restored)
	keys, err := kv.Keys(context.Background(), "*")
	require.NoError(t, err)
	assert.Empty(t, keys, "no mutation of the cache store")
}

func TestSessionRecovery_RestoresFromDurableSnapshot(t *testing.T) {
	host := newFakeHost()
	kv := store.NewMemoryStore()
	putSnapshot(t, kv, models.SessionSnapshot{ID: "s1", UserID: "u1", CurrentAgent: models.AgentFamily})
	ops := NewOperations(time.Minute, nil)
	r := NewSessionRecovery(host, kv, nil, ops)

	result := r.Recover(context.Background(), "s1")

	assert.True(t, result.Recoverable)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"s1"}, host.restored)
	assert.True(t, result.Components[ComponentSession])
	assert.Empty(t, result.Warnings)

	op, ok := ops.Operation(result.OperationID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, op.State)
	assert.Equal(t, 1, op.Attempts)
}

func TestSessionRecovery_RewritesMissingSnapshot(t *testing.T) {
	host := newFakeHost()
	host.sessions["s1"] = models.SessionSnapshot{ID: "s1", UserID: "u1"}
	kv := store.NewMemoryStore()
	r := NewSessionRecovery(host, kv, nil, NewOperations(time.Minute, nil))

	result := r.Recover(context.Background(), "s1")
	require.True(t, result.Success)
	assert.True(t, result.Components[ComponentSnapshot])

	_, err := kv.Get(context.Background(), models.SessionKey("s1"))
	assert.NoError(t, err)
	ttl, err := kv.TTL(context.Background(), models.SessionKey("s1"))
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "rewritten snapshot must expire")
	assert.LessOrEqual(t, ttl, DefaultSnapshotTTL)
}

func TestSessionRecovery_RewrittenSnapshotUsesConfiguredTTL(t *testing.T) {
	host := newFakeHost()
	host.sessions["s1"] = models.SessionSnapshot{ID: "s1", UserID: "u1"}
	kv := store.NewMemoryStore()
	m := NewManager(Options{Host: host, KV: kv, GCDelay: time.Minute, SnapshotTTL: time.Hour})

	result := m.Session.Recover(context.Background(), "s1")
	require.True(t, result.Success)

	ttl, err := kv.TTL(context.Background(), models.SessionKey("s1"))
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestSessionRecovery_PartialComponentsWarn(t *testing.T) {
	host := newFakeHost()
	host.reinitFails = true
	host.sessions["s1"] = models.SessionSnapshot{ID: "s1", UserID: "u1"}
	kv := store.NewMemoryStore()
	r := NewSessionRecovery(host, kv, nil, NewOperations(time.Minute, nil))

	result := r.Recover(context.Background(), "s1")

	assert.True(t, result.Success, "agent state is not required for validity")
	assert.False(t, result.Components[ComponentAgentState])
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], ComponentAgentState)
}

func TestSessionRecovery_FailsValidationWhenRestoreFails(t *testing.T) {
	host := newFakeHost()
	host.restoreFails = true
	kv := store.NewMemoryStore()
	putSnapshot(t, kv, models.SessionSnapshot{ID: "s1", UserID: "u1"})
	ops := NewOperations(time.Minute, nil)
	r := NewSessionRecovery(host, kv, nil, ops)

	first := r.Recover(context.Background(), "s1")
	second := r.Recover(context.Background(), "s1")

	assert.True(t, first.Recoverable)
	assert.False(t, first.Success)
	op, ok := ops.Operation(second.OperationID)
	require.True(t, ok)
	assert.Equal(t, StateFailed, op.State)
	assert.Equal(t, 2, op.Attempts)
}

func TestModelRecovery_FallbackOrder(t *testing.T) {
	catalog := config.DefaultModelCatalog()
	gen := &fakeGenerator{
		catalog: catalog,
		working: map[string]string{"llama3.2:3b": "from the small model"},
	}
	r := NewModelRecovery(gen, NewOperations(time.Minute, nil))

	result := r.Recover(context.Background(), "s1", engine.GenerateRequest{Prompt: "why?"}, "qwen2.5:14b")

	assert.Equal(t, ModelViaFallback, result.Strategy)
	assert.Equal(t, "llama3.2:3b", result.Model)
	assert.Equal(t, []string{"llama3.1:8b", "llama3.2:3b"}, gen.calls)
	assert.Equal(t, []string{"llama3.1:8b", "llama3.2:3b"}, result.Attempted)
	assert.True(t, result.Success())
}

func TestModelRecovery_CachedThenDegraded(t *testing.T) {
	gen := &fakeGenerator{
		catalog: config.DefaultModelCatalog(),
		cached:  map[string]string{"hello|llama3.1:8b": "hi from cache"},
	}
	r := NewModelRecovery(gen, NewOperations(time.Minute, nil))

	cached := r.Recover(context.Background(), "s1", engine.GenerateRequest{Prompt: "hello"}, "llama3.1:8b")
	assert.Equal(t, ModelViaCache, cached.Strategy)
	assert.Equal(t, "hi from cache", cached.Content)

	degraded := r.Recover(context.Background(), "s1", engine.GenerateRequest{Prompt: "other"}, "llama3.1:8b")
	assert.Equal(t, ModelDegraded, degraded.Strategy)
	assert.False(t, degraded.Success())

	var words []string
	var done bool
	for chunk := range degraded.Chunks(context.Background()) {
		if chunk.Done {
			done = true
			assert.True(t, chunk.Degraded)
			continue
		}
		words = append(words, chunk.Content)
	}
	assert.True(t, done)
	assert.Equal(t, len(strings.Fields(DegradationMessage)), len(words))
	assert.Equal(t, DegradationMessage, strings.Join(words, ""))
}

func TestVoiceRecovery(t *testing.T) {
	r := NewVoiceRecovery(NewOperations(time.Minute, nil))

	text := r.Recover("s1", "typed answer", nil)
	assert.True(t, text.Success)
	assert.Equal(t, VoiceTextFallback, text.Mode)
	assert.Equal(t, "typed answer", text.Message)

	notice := r.Recover("s1", "", errors.New("mic failed"))
	assert.False(t, notice.Success)
	assert.Equal(t, VoiceNotice, notice.Mode)
	assert.Equal(t, VoiceUnavailableNotice, notice.Message)
	assert.NotEmpty(t, notice.SuggestedActions)
}

type countTransports map[string]int

func (c countTransports) TransportCount(id string) int { return c[id] }

func TestCommunicationRecovery(t *testing.T) {
	svc := health.NewService(health.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	r := NewCommunicationRecovery(countTransports{"attached": 1}, svc, NewOperations(time.Minute, nil))

	ok := r.Recover("attached", ChannelWebSocket)
	assert.True(t, ok.Success)
	assert.False(t, ok.ReconnectRequired)

	detached := r.Recover("detached", ChannelWebSocket)
	assert.True(t, detached.Success)
	assert.True(t, detached.ReconnectRequired)

	voice := r.Recover("attached", ChannelRealtimeVoice)
	assert.True(t, voice.Success)
	assert.True(t, voice.ReconnectRequired)

	svc.Breaker(health.DependencyTransport).RecordFailure()
	broken := r.Recover("attached", ChannelWebSocket)
	assert.False(t, broken.Success)
	assert.True(t, broken.ReconnectRequired)
	assert.Greater(t, broken.RetryAfter, time.Duration(0))
}

func TestComprehensive_SuccessAndVoiceWarnings(t *testing.T) {
	host := newFakeHost()
	host.sessions["s1"] = models.SessionSnapshot{ID: "s1", UserID: "u1", VoiceEnabled: true}
	kv := store.NewMemoryStore()
	m := NewManager(Options{Host: host, KV: kv, Transports: countTransports{}, GCDelay: time.Minute})

	result := m.Comprehensive(context.Background(), ComprehensiveRequest{
		SessionID: "s1",
		Cause:     failure.New(failure.CategoryAgentExecution, failure.SeverityMedium, "test", "boom", nil),
	})

	assert.True(t, result.Success)
	require.NotNil(t, result.Voice, "voice recovery runs for voice sessions")
	assert.Contains(t, result.Warnings, "voice channel unavailable")
	assert.Contains(t, result.NextSteps, "reconnect the client transport")

	op, ok := m.Operation(result.OperationID)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, op.State)
}

func TestComprehensive_SessionFailureNeedsNewSession(t *testing.T) {
	host := newFakeHost()
	m := NewManager(Options{Host: host, KV: store.NewMemoryStore(), GCDelay: time.Minute})

	result := m.Comprehensive(context.Background(), ComprehensiveRequest{SessionID: "gone", Cause: errors.New("boom")})

	assert.False(t, result.Success)
	assert.True(t, result.SessionFailed())
	assert.Nil(t, result.Voice)
	assert.Contains(t, result.NextSteps, "start a new session")
}

func TestOperations_GarbageCollected(t *testing.T) {
	ops := NewOperations(20*time.Millisecond, nil)
	op := ops.begin("session", failure.CategorySessionManagement, "s1")
	ops.finish(op, true)

	_, ok := ops.Operation(op.ID)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return ops.Len() == 0 }, time.Second, 5*time.Millisecond)
}
