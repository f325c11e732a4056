package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIBackend talks to any OpenAI-compatible chat completions server
// (OpenAI, Ollama, vLLM, LM Studio) through openai-go
type OpenAIBackend struct {
	client *openai.Client
	name   string
}

// NewOpenAIBackend creates a backend; an empty baseURL uses the OpenAI API
func NewOpenAIBackend(name, baseURL, apiKey string) *OpenAIBackend {
	var opts []option.RequestOption
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, option.WithMaxRetries(0)) // the circuit breaker owns retry policy

	client := openai.NewClient(opts...)
	return &OpenAIBackend{client: &client, name: name}
}

func (b *OpenAIBackend) Name() string {
	return b.name
}

func (b *OpenAIBackend) params(req Request) openai.ChatCompletionNewParams {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       req.Model,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(req.MaxTokens)
	}
	return params
}

// Generate performs a non-streaming completion
func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (Completion, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.params(req))
	if err != nil {
		return Completion{}, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, errors.New("openai api returned no choices")
	}

	content := resp.Choices[0].Message.Content
	tokens := int(resp.Usage.CompletionTokens)
	if tokens == 0 {
		tokens = EstimateTokens(content)
	}
	return Completion{Content: content, Model: req.Model, TokenCount: tokens}, nil
}

// StreamGenerate streams text deltas
func (b *OpenAIBackend) StreamGenerate(ctx context.Context, req Request) (<-chan string, <-chan error) {
	out := make(chan string, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(out)

		stream := b.client.Chat.Completions.NewStreaming(ctx, b.params(req))
		defer stream.Close()

		for stream.Next() {
			for _, ch := range stream.Current().Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if !send(ctx, out, ch.Delta.Content) {
					errCh <- ctx.Err()
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
		}
	}()

	return out, errCh
}
