package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"familyhub/internal/config"
	"familyhub/internal/health"
	"familyhub/internal/inference"
	"familyhub/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	calls   atomic.Int32
	err     error
	gate    chan struct{} // blocks Generate until closed, when set
	answers sync.Map      // model -> answer
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) answer(req inference.Request) string {
	if v, ok := b.answers.Load(req.Model); ok {
		return v.(string)
	}
	return "answer to " + req.Prompt
}

func (b *scriptedBackend) Generate(ctx context.Context, req inference.Request) (inference.Completion, error) {
	b.calls.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return inference.Completion{}, ctx.Err()
		}
	}
	if b.err != nil {
		return inference.Completion{}, b.err
	}
	text := b.answer(req)
	return inference.Completion{Content: text, Model: req.Model, TokenCount: inference.EstimateTokens(text)}, nil
}

func (b *scriptedBackend) StreamGenerate(ctx context.Context, req inference.Request) (<-chan string, <-chan error) {
	b.calls.Add(1)
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		for _, w := range strings.SplitAfter(b.answer(req), " ") {
			select {
			case out <- w:
			case <-ctx.Done():
				return
			}
		}
		if b.err != nil {
			errCh <- b.err
		}
	}()
	return out, errCh
}

func newEngine(t *testing.T, backend inference.Backend) (*Engine, *store.MemoryStore) {
	t.Helper()
	kv := store.NewMemoryStore()
	var pool []inference.Backend
	if backend != nil {
		pool = []inference.Backend{backend}
	}
	breaker := health.NewCircuitBreaker(health.DependencyModelBackend, health.BreakerConfig{FailureThreshold: 3, CallTimeout: 5 * time.Second})
	e := New(Options{
		Gateway:    inference.NewGateway(pool, breaker),
		Catalog:    config.DefaultModelCatalog(),
		KV:         kv,
		InstanceID: "test",
	})
	return e, kv
}

func TestGenerate_SecondCallIsCached(t *testing.T) {
	backend := &scriptedBackend{}
	e, _ := newEngine(t, backend)
	ctx := context.Background()
	req := GenerateRequest{Prompt: "tell me about the solar system please", Model: "llama3.1:8b", Temperature: 0.4, UseCache: true}

	first, err := e.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := e.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int32(1), backend.calls.Load())

	stats := e.Metrics()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
}

func TestGenerate_DifferentTemperatureMisses(t *testing.T) {
	backend := &scriptedBackend{}
	e, _ := newEngine(t, backend)
	ctx := context.Background()

	_, err := e.Generate(ctx, GenerateRequest{Prompt: "p", Model: "llama3.1:8b", Temperature: 0.4, UseCache: true})
	require.NoError(t, err)
	resp, err := e.Generate(ctx, GenerateRequest{Prompt: "p", Model: "llama3.1:8b", Temperature: 0.5, UseCache: true})
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestGenerateResponse_StreamBypassesCacheButFillsIt(t *testing.T) {
	backend := &scriptedBackend{}
	e, _ := newEngine(t, backend)
	ctx := context.Background()
	req := GenerateRequest{Prompt: "stream this answer", Model: "llama3.1:8b", UseCache: true, Stream: true}

	var parts []string
	var final Chunk
	for c := range e.GenerateResponse(ctx, req) {
		if c.Done {
			final = c
			continue
		}
		parts = append(parts, c.Content)
	}
	require.NoError(t, final.Err)
	assert.Greater(t, len(parts), 1)
	assert.Equal(t, "answer to stream this answer", strings.Join(parts, ""))

	// streaming again still goes live
	for range e.GenerateResponse(ctx, req) {
	}
	assert.Equal(t, int32(2), backend.calls.Load())

	cached, err := e.Generate(ctx, GenerateRequest{Prompt: req.Prompt, Model: req.Model, UseCache: true})
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Equal(t, int32(2), backend.calls.Load())
}

func TestGenerateResponse_ErrorChunk(t *testing.T) {
	e, _ := newEngine(t, &scriptedBackend{err: errors.New("model crashed")})

	var final Chunk
	for c := range e.GenerateResponse(context.Background(), GenerateRequest{Prompt: "x", Model: "llama3.1:8b"}) {
		final = c
	}
	assert.True(t, final.Done)
	assert.EqualError(t, final.Err, "model crashed")
	assert.Equal(t, int64(1), e.Metrics().Errors)
}

func TestGenerate_EmptyPoolApologises(t *testing.T) {
	e, _ := newEngine(t, nil)

	resp, err := e.Generate(context.Background(), GenerateRequest{Prompt: "x", UseCache: true})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Equal(t, inference.DegradedMessage, resp.Content)

	again, err := e.Generate(context.Background(), GenerateRequest{Prompt: "x", UseCache: true})
	require.NoError(t, err)
	assert.False(t, again.Cached, "apologies are never cached")
}

func TestResolveModel_UnavailableFallsBackToDefault(t *testing.T) {
	e, _ := newEngine(t, &scriptedBackend{})
	assert.Equal(t, "llama3.1:8b", e.ResolveModel(GenerateRequest{Prompt: "x", Model: "gpt-99"}))
	assert.Equal(t, "qwen2.5:14b", e.ResolveModel(GenerateRequest{Prompt: "x", Model: "qwen2.5:14b"}))
}

func TestWarmModel_ConcurrentCallsShareOneInvocation(t *testing.T) {
	backend := &scriptedBackend{gate: make(chan struct{})}
	e, _ := newEngine(t, backend)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.WarmModel(context.Background(), "llama3.2:3b")
		}(i)
	}

	require.Eventually(t, func() bool { return backend.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(backend.gate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.True(t, e.IsWarm("llama3.2:3b"))
}

func TestWarmModels(t *testing.T) {
	backend := &scriptedBackend{}
	e, _ := newEngine(t, backend)

	require.NoError(t, e.WarmModels(context.Background()))
	for _, m := range e.Catalog().Available {
		assert.True(t, e.IsWarm(m), m)
	}
}

func TestFlushMetrics(t *testing.T) {
	e, kv := newEngine(t, &scriptedBackend{})
	ctx := context.Background()
	_, err := e.Generate(ctx, GenerateRequest{Prompt: "hello there", Model: "llama3.1:8b"})
	require.NoError(t, err)

	require.NoError(t, e.FlushMetrics(ctx))
	raw, err := kv.Get(ctx, "model_metrics:test")
	require.NoError(t, err)
	assert.Contains(t, raw, `"total_requests":1`)
}

func TestStatsIncrementalAverage(t *testing.T) {
	var st stats
	st.complete(10*time.Millisecond, 1)
	st.complete(20*time.Millisecond, 1)
	st.complete(60*time.Millisecond, 1)
	assert.InDelta(t, 30.0, st.snapshot().AvgLatencyMs, 0.001)
	assert.Equal(t, int64(3), st.snapshot().TotalTokens)
}

func TestSetCatalog_ChangesResolution(t *testing.T) {
	eng, _ := newEngine(t, &scriptedBackend{})
	require.Equal(t, "llama3.1:8b", eng.ResolveModel(GenerateRequest{Model: "mistral:7b"}))

	eng.SetCatalog(&config.ModelCatalog{
		Available: []string{"mistral:7b"},
		Default:   "mistral:7b",
	})
	assert.Equal(t, "mistral:7b", eng.ResolveModel(GenerateRequest{Model: "mistral:7b"}))

	eng.SetCatalog(nil)
	assert.Equal(t, "mistral:7b", eng.Catalog().Default)
}
