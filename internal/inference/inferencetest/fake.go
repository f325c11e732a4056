// Package inferencetest provides a scriptable model backend for tests.
package inferencetest

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"familyhub/internal/inference"
)

// Backend answers "echo: <last prompt line>" unless a model is marked failing
type Backend struct {
	calls atomic.Int32

	mu      sync.Mutex
	failing map[string]error
	answers map[string]string
	prompts []string
}

// NewBackend creates a healthy fake backend
func NewBackend() *Backend {
	return &Backend{failing: map[string]error{}, answers: map[string]string{}}
}

// Fail makes every call for model return err. An empty model fails all models.
func (b *Backend) Fail(model string, err error) {
	b.mu.Lock()
	b.failing[model] = err
	b.mu.Unlock()
}

// Heal clears every failure
func (b *Backend) Heal() {
	b.mu.Lock()
	b.failing = map[string]error{}
	b.mu.Unlock()
}

// Answer fixes the reply for model
func (b *Backend) Answer(model, text string) {
	b.mu.Lock()
	b.answers[model] = text
	b.mu.Unlock()
}

// Calls returns the number of backend invocations
func (b *Backend) Calls() int {
	return int(b.calls.Load())
}

// Prompts returns every prompt received
func (b *Backend) Prompts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) reply(req inference.Request) (string, error) {
	b.calls.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, req.Prompt)
	if err, ok := b.failing[req.Model]; ok {
		return "", err
	}
	if err, ok := b.failing[""]; ok {
		return "", err
	}
	if text, ok := b.answers[req.Model]; ok {
		return text, nil
	}
	lines := strings.Split(strings.TrimSpace(req.Prompt), "\n")
	last := lines[len(lines)-1]
	if len(lines) > 1 {
		last = lines[len(lines)-2]
	}
	return "echo: " + strings.TrimPrefix(last, "user: "), nil
}

func (b *Backend) Generate(_ context.Context, req inference.Request) (inference.Completion, error) {
	text, err := b.reply(req)
	if err != nil {
		return inference.Completion{}, err
	}
	return inference.Completion{Content: text, Model: req.Model, TokenCount: inference.EstimateTokens(text)}, nil
}

func (b *Backend) StreamGenerate(ctx context.Context, req inference.Request) (<-chan string, <-chan error) {
	out := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(out)
		text, err := b.reply(req)
		if err != nil {
			errCh <- err
			return
		}
		for _, w := range strings.SplitAfter(text, " ") {
			select {
			case out <- w:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return out, errCh
}
