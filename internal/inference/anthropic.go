package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicMaxTokens = 1024

// AnthropicBackend talks to the Anthropic Messages API
type AnthropicBackend struct {
	client *anthropic.Client
	name   string
}

// NewAnthropicBackend creates a backend; an empty apiKey falls back to ANTHROPIC_API_KEY
func NewAnthropicBackend(name, baseURL, apiKey string) *AnthropicBackend {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))

	client := anthropic.NewClient(opts...)
	return &AnthropicBackend{client: &client, name: name}
}

func (b *AnthropicBackend) Name() string {
	return b.name
}

func (b *AnthropicBackend) params(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

// Generate performs a non-streaming completion
func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (Completion, error) {
	resp, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return Completion{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	tokens := int(resp.Usage.OutputTokens)
	if tokens == 0 {
		tokens = EstimateTokens(text.String())
	}
	return Completion{Content: text.String(), Model: req.Model, TokenCount: tokens}, nil
}

// StreamGenerate streams text deltas from content_block_delta events
func (b *AnthropicBackend) StreamGenerate(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		stream := b.client.Messages.NewStreaming(ctx, b.params(req))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			if !send(ctx, out, text.Text) {
				errCh <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		}
	}()

	return out, errCh
}
