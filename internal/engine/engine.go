// Package engine composes the model gateway with the response cache, model
// selection, warm-up and request metrics.
package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"familyhub/internal/config"
	"familyhub/internal/inference"
	"familyhub/internal/logging"
	"familyhub/internal/metrics"
	"familyhub/internal/store"
	"golang.org/x/sync/singleflight"
)

var log = logging.Component("engine")

// DefaultTemperature is used when a request leaves Temperature at zero
const DefaultTemperature = 0.7

// GenerateRequest describes one generation. An empty Model runs model selection.
type GenerateRequest struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int64
	UseCache    bool
	Stream      bool
}

// Chunk is one element of a generation stream. Content chunks carry text;
// the final chunk has Done set and carries either the totals or Err.
type Chunk struct {
	Content    string
	Done       bool
	Cached     bool
	Degraded   bool
	Model      string
	TokenCount int
	Latency    time.Duration
	Err        error
}

// Response is a collected generation
type Response struct {
	Content    string
	Model      string
	TokenCount int
	Latency    time.Duration
	Cached     bool
	Degraded   bool
}

// Engine is the model engine
type Engine struct {
	gateway    *inference.Gateway
	cache      *ResponseCache
	catalog    atomic.Pointer[config.ModelCatalog]
	kv         store.KeyValueStore
	metrics    *metrics.Metrics
	instanceID string

	stats  stats
	warm   singleflight.Group
	warmMu sync.Mutex
	warmed map[string]time.Time
}

// Options configure an Engine
type Options struct {
	Gateway    *inference.Gateway
	Catalog    *config.ModelCatalog
	KV         store.KeyValueStore
	CacheTTL   time.Duration
	Metrics    *metrics.Metrics
	InstanceID string
}

// New creates an engine
func New(opts Options) *Engine {
	if opts.Catalog == nil {
		opts.Catalog = config.DefaultModelCatalog()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "local"
	}
	e := &Engine{
		gateway:    opts.Gateway,
		cache:      NewResponseCache(opts.KV, opts.CacheTTL),
		kv:         opts.KV,
		metrics:    opts.Metrics,
		instanceID: opts.InstanceID,
		warmed:     make(map[string]time.Time),
	}
	e.catalog.Store(opts.Catalog)
	return e
}

// Catalog returns the model catalog
func (e *Engine) Catalog() *config.ModelCatalog {
	return e.catalog.Load()
}

// SetCatalog swaps the model catalog. In-flight requests keep the catalog
// they resolved against.
func (e *Engine) SetCatalog(catalog *config.ModelCatalog) {
	if catalog == nil {
		return
	}
	e.catalog.Store(catalog)
	log.WithField("models", len(catalog.Available)).Info("🔄 [ENGINE] Model catalog replaced")
}

// ResolveModel returns the model a request will run on
func (e *Engine) ResolveModel(req GenerateRequest) string {
	if req.Model == "" {
		return SelectModel(req.Prompt, e.Catalog())
	}
	catalog := e.Catalog()
	if !catalog.IsAvailable(req.Model) {
		log.Debugf("[ENGINE] Model %s not available, using %s", req.Model, catalog.Default)
		return catalog.Default
	}
	return req.Model
}

func temperatureOf(req GenerateRequest) float64 {
	if req.Temperature == 0 {
		return DefaultTemperature
	}
	return req.Temperature
}

// GenerateResponse produces a chunk stream. The cache is consulted only for
// non-streaming requests; streamed answers are cached once complete.
// Failures arrive as a final chunk with Err set.
func (e *Engine) GenerateResponse(ctx context.Context, req GenerateRequest) <-chan Chunk {
	out := make(chan Chunk, 32)

	model := e.ResolveModel(req)
	temperature := temperatureOf(req)
	e.stats.request()

	go func() {
		defer close(out)
		start := time.Now()

		if req.UseCache && !req.Stream {
			if entry, ok := e.cache.Get(ctx, req.Prompt, model, temperature); ok {
				e.stats.cacheResult(true)
				e.stats.complete(time.Since(start), 0)
				e.metrics.RecordModelRequest(model, true, time.Since(start).Seconds(), 0)
				emit(ctx, out, Chunk{Content: entry.Content, Cached: true, Model: model})
				emit(ctx, out, Chunk{Done: true, Cached: true, Model: model, TokenCount: entry.TokenCount, Latency: time.Since(start)})
				return
			}
			e.stats.cacheResult(false)
		}

		ireq := inference.Request{
			Prompt:      req.Prompt,
			System:      req.System,
			Model:       model,
			Temperature: temperature,
			MaxTokens:   req.MaxTokens,
		}

		var (
			content  string
			tokens   int
			degraded bool
			err      error
		)
		if req.Stream {
			content, err = e.relayStream(ctx, ireq, out)
			tokens = inference.EstimateTokens(content)
			degraded = content == inference.DegradedMessage && e.gateway.Size() == 0
		} else {
			var c inference.Completion
			c, err = e.gateway.Generate(ctx, ireq)
			if err == nil {
				content, tokens, degraded = c.Content, c.TokenCount, c.Degraded
				emit(ctx, out, Chunk{Content: content, Model: model, Degraded: degraded})
			}
		}

		latency := time.Since(start)
		if err != nil {
			e.stats.failure()
			e.metrics.RecordModelError(model)
			log.WithError(err).WithField("model", model).Warn("⚠️  [ENGINE] Generation failed")
			emit(ctx, out, Chunk{Done: true, Model: model, Latency: latency, Err: err})
			return
		}

		e.stats.complete(latency, tokens)
		e.metrics.RecordModelRequest(model, false, latency.Seconds(), tokens)
		if req.UseCache && !degraded {
			e.cache.Put(context.WithoutCancel(ctx), req.Prompt, temperature, CacheEntry{
				Content:    content,
				TokenCount: tokens,
				LatencyMs:  latency.Milliseconds(),
				Model:      model,
				Timestamp:  time.Now(),
			})
		}
		emit(ctx, out, Chunk{Done: true, Model: model, TokenCount: tokens, Latency: latency, Degraded: degraded})
	}()

	return out
}

func (e *Engine) relayStream(ctx context.Context, req inference.Request, out chan<- Chunk) (string, error) {
	tokens, errs := e.gateway.Stream(ctx, req)
	var b strings.Builder
	for tok := range tokens {
		b.WriteString(tok)
		emit(ctx, out, Chunk{Content: tok, Model: req.Model})
	}
	return b.String(), <-errs
}

// Generate runs a non-streaming generation and collects the result
func (e *Engine) Generate(ctx context.Context, req GenerateRequest) (*Response, error) {
	req.Stream = false
	resp := &Response{}
	var b strings.Builder
	for chunk := range e.GenerateResponse(ctx, req) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Done {
			resp.Model = chunk.Model
			resp.TokenCount = chunk.TokenCount
			resp.Latency = chunk.Latency
			resp.Cached = chunk.Cached
			resp.Degraded = chunk.Degraded
			continue
		}
		b.WriteString(chunk.Content)
	}
	resp.Content = b.String()
	return resp, nil
}

// CachedResponse returns a cached answer for the signature, if any
func (e *Engine) CachedResponse(ctx context.Context, prompt, model string, temperature float64) (*Response, bool) {
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	entry, ok := e.cache.Get(ctx, prompt, model, temperature)
	if !ok {
		return nil, false
	}
	return &Response{Content: entry.Content, Model: entry.Model, TokenCount: entry.TokenCount, Cached: true}, true
}

// emit delivers c unless ctx ends first
func emit(ctx context.Context, out chan<- Chunk, c Chunk) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}
