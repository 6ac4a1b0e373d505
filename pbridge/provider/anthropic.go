// Package provider holds ModelAdapter implementations for hosted model APIs.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/prompt-bridge/pbridge/harness/ports"
)

const (
	DefaultModel     = anthropic.ModelClaude3_7SonnetLatest
	DefaultMaxTokens = 2048
)

var ErrEmptyCompletion = errors.New("provider: model returned no text")

// AnthropicAdapter sends each serialized envelope as a single user turn to the
// Messages API and returns the concatenated text blocks.
type AnthropicAdapter struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
	logger    zerolog.Logger
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*AnthropicAdapter)

// WithModel overrides DefaultModel.
func WithModel(model anthropic.Model) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if model != "" {
			a.model = model
		}
	}
}

// WithMaxTokens caps the reply length. Values below 1 keep DefaultMaxTokens.
func WithMaxTokens(n int64) AnthropicOption {
	return func(a *AnthropicAdapter) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithSystemPrompt sets a system prompt sent ahead of every envelope.
func WithSystemPrompt(system string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.system = system }
}

// WithAdapterLogger logs model, stop reason and token usage per completion.
func WithAdapterLogger(logger zerolog.Logger) AnthropicOption {
	return func(a *AnthropicAdapter) { a.logger = logger }
}

// NewAnthropicAdapter wraps client. A nil client reads its API key from the environment.
func NewAnthropicAdapter(client *anthropic.Client, opts ...AnthropicOption) *AnthropicAdapter {
	if client == nil {
		c := anthropic.NewClient()
		client = &c
	}
	a := &AnthropicAdapter{
		client:    client,
		model:     DefaultModel,
		maxTokens: DefaultMaxTokens,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Complete implements ports.ModelAdapter. API failures are returned as errors;
// a reply without text is reported through Message.Error.
func (a *AnthropicAdapter) Complete(ctx context.Context, request string) (ports.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(request))},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return ports.Message{}, fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	a.logger.Debug().
		Str("model", string(msg.Model)).
		Str("stop_reason", string(msg.StopReason)).
		Int64("input_tokens", msg.Usage.InputTokens).
		Int64("output_tokens", msg.Usage.OutputTokens).
		Msg("Model completion received")

	if sb.Len() == 0 {
		return ports.Message{Role: "assistant", Error: ErrEmptyCompletion.Error()}, nil
	}
	return ports.TextMessage(sb.String()), nil
}

var _ ports.ModelAdapter = (*AnthropicAdapter)(nil)
