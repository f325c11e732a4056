package engine

import (
	"context"
	"time"

	"familyhub/internal/inference"
	"golang.org/x/sync/errgroup"
)

const warmupPrompt = "Hello"

// WarmModel pre-invokes model with a throwaway prompt. Concurrent warms of
// the same model share one in-flight call; a warm model is not re-invoked.
func (e *Engine) WarmModel(ctx context.Context, model string) error {
	if e.IsWarm(model) {
		return nil
	}
	_, err, shared := e.warm.Do(model, func() (interface{}, error) {
		start := time.Now()
		_, err := e.gateway.Generate(context.WithoutCancel(ctx), inference.Request{
			Prompt:      warmupPrompt,
			Model:       model,
			Temperature: DefaultTemperature,
			MaxTokens:   1,
		})
		if err != nil {
			return nil, err
		}

		e.warmMu.Lock()
		e.warmed[model] = time.Now()
		e.warmMu.Unlock()
		log.WithField("model", model).Infof("🔥 [ENGINE] Model warmed in %s", time.Since(start).Round(time.Millisecond))
		return nil, nil
	})
	if shared {
		log.WithField("model", model).Debug("[ENGINE] Joined in-flight warm-up")
	}
	return err
}

// IsWarm reports whether model completed a warm-up
func (e *Engine) IsWarm(model string) bool {
	e.warmMu.Lock()
	defer e.warmMu.Unlock()
	_, ok := e.warmed[model]
	return ok
}

// WarmModels warms every available model in parallel. Failures are logged;
// the first one is returned.
func (e *Engine) WarmModels(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, model := range e.Catalog().Available {
		model := model
		g.Go(func() error {
			if err := e.WarmModel(ctx, model); err != nil {
				log.WithError(err).WithField("model", model).Warn("⚠️  [ENGINE] Warm-up failed")
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
