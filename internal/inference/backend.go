// Package inference is the leaf gateway to language-model servers.
package inference

import (
	"context"
	"strings"
)

// Request is one model invocation
type Request struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Completion is a finished, non-streaming answer
type Completion struct {
	Content    string
	Model      string
	TokenCount int
	Degraded   bool
}

// Backend is a model-serving client. StreamGenerate closes the token channel
// when the answer ends; the error channel yields at most one error and is
// closed after the token channel.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (Completion, error)
	StreamGenerate(ctx context.Context, req Request) (<-chan string, <-chan error)
}

// EstimateTokens approximates a token count when the server reports none
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// send delivers tok unless ctx ends first
func send(ctx context.Context, out chan<- string, tok string) bool {
	select {
	case out <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}
