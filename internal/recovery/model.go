package recovery

import (
	"context"
	"strings"

	"familyhub/internal/config"
	"familyhub/internal/engine"
	"familyhub/internal/failure"
)

// DegradationMessage is streamed when no fallback model and no cached
// answer is available
const DegradationMessage = "I'm having trouble reaching my language models right now. Your message was saved, please try again in a moment."

// Model recovery outcomes
const (
	ModelViaFallback = "fallback"
	ModelViaCache    = "cached"
	ModelDegraded    = "degraded"
)

// Generator is the slice of the model engine used by model recovery
type Generator interface {
	Generate(ctx context.Context, req engine.GenerateRequest) (*engine.Response, error)
	CachedResponse(ctx context.Context, prompt, model string, temperature float64) (*engine.Response, bool)
	Catalog() *config.ModelCatalog
}

// ModelResult is the outcome of a model recovery. It always carries content.
type ModelResult struct {
	OperationID string   `json:"operation_id"`
	Strategy    string   `json:"strategy"`
	Model       string   `json:"model"`
	Content     string   `json:"content"`
	Attempted   []string `json:"attempted"`
	TokenCount  int      `json:"token_count"`
}

// Success reports whether a real answer was produced
func (r ModelResult) Success() bool {
	return r.Strategy != ModelDegraded
}

// Chunks streams the recovered content word by word, ending with a Done chunk
func (r ModelResult) Chunks(ctx context.Context) <-chan engine.Chunk {
	out := make(chan engine.Chunk)
	go func() {
		defer close(out)
		words := strings.Fields(r.Content)
		for i, w := range words {
			if i < len(words)-1 {
				w += " "
			}
			select {
			case out <- engine.Chunk{Content: w, Model: r.Model, Cached: r.Strategy == ModelViaCache, Degraded: r.Strategy == ModelDegraded}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- engine.Chunk{Done: true, Model: r.Model, TokenCount: r.TokenCount, Cached: r.Strategy == ModelViaCache, Degraded: r.Strategy == ModelDegraded}:
		case <-ctx.Done():
		}
	}()
	return out
}

// ModelRecovery walks the fallback chain of a failed model
type ModelRecovery struct {
	engine Generator
	ops    *Operations
}

// NewModelRecovery creates the model inference strategy
func NewModelRecovery(gen Generator, ops *Operations) *ModelRecovery {
	return &ModelRecovery{engine: gen, ops: ops}
}

// Recover tries each fallback of failedModel in priority order, then a cached
// response for the original signature, then the degradation message
func (r *ModelRecovery) Recover(ctx context.Context, sessionID string, req engine.GenerateRequest, failedModel string) ModelResult {
	op := r.ops.begin("model", failure.CategoryModelInference, sessionID)
	result := ModelResult{OperationID: op.ID}

	r.ops.transition(op, StateRecovering)
	for _, fallback := range r.engine.Catalog().FallbacksFor(failedModel) {
		if fallback == failedModel {
			continue
		}
		result.Attempted = append(result.Attempted, fallback)

		attempt := req
		attempt.Model = fallback
		attempt.Stream = false
		attempt.UseCache = true
		resp, err := r.engine.Generate(ctx, attempt)
		ok := err == nil && !resp.Degraded && resp.Content != ""
		r.ops.record(op, fallback, ok)
		if !ok {
			log.WithField("model", fallback).WithError(err).Debug("[RECOVERY] Fallback model failed")
			continue
		}
		result.Strategy = ModelViaFallback
		result.Model = resp.Model
		result.Content = resp.Content
		result.TokenCount = resp.TokenCount
		r.ops.finish(op, true)
		log.WithFields(map[string]interface{}{"failed": failedModel, "fallback": resp.Model}).Info("🔄 [RECOVERY] Served answer from fallback model")
		return result
	}

	r.ops.transition(op, StateValidating)
	if cached, ok := r.engine.CachedResponse(ctx, req.Prompt, failedModel, req.Temperature); ok {
		r.ops.record(op, ModelViaCache, true)
		result.Strategy = ModelViaCache
		result.Model = cached.Model
		result.Content = cached.Content
		result.TokenCount = cached.TokenCount
		r.ops.finish(op, true)
		log.WithField("model", failedModel).Info("💾 [RECOVERY] Served cached answer for failed model")
		return result
	}

	result.Strategy = ModelDegraded
	result.Model = failedModel
	result.Content = DegradationMessage
	r.ops.finish(op, false)
	log.WithField("model", failedModel).Warn("⚠️  [RECOVERY] All fallbacks failed, serving degradation message")
	return result
}
