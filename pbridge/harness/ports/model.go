package harnessports

import (
	"context"
)

// ContentType tags the payload of a model message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentAudio ContentType = "audio"
)

// MessageContent is the body of a model message.
type MessageContent struct {
	Type ContentType `json:"type"`
	Text string      `json:"text"`
}

// Message is what a model adapter hands back for one serialized request.
type Message struct {
	Role    string         `json:"role"` // usually "assistant"
	Content MessageContent `json:"content"`
	// Error, when non-empty, short-circuits the round.
	Error string `json:"error,omitempty"`
}

// ModelAdapter turns one serialized prompt envelope into one model message.
// Provider-specific retries belong inside the adapter.
type ModelAdapter interface {
	Complete(ctx context.Context, request string) (Message, error)
}

// ModelAdapterFunc adapts a plain function to ModelAdapter.
type ModelAdapterFunc func(ctx context.Context, request string) (Message, error)

func (f ModelAdapterFunc) Complete(ctx context.Context, request string) (Message, error) {
	return f(ctx, request)
}

// TextMessage builds an assistant text message.
func TextMessage(text string) Message {
	return Message{Role: "assistant", Content: MessageContent{Type: ContentText, Text: text}}
}
