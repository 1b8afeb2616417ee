package ai

import "context"

// ChatMessage is one turn of a chat-completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TextGenerator produces a full completion for a chat history.
type TextGenerator interface {
	GenerateChat(ctx context.Context, model string, messages []ChatMessage) (string, error)
}

// StreamingGenerator additionally streams the completion incrementally.
// onDelta is called once per text fragment in arrival order; the returned
// string is the accumulated full completion.
type StreamingGenerator interface {
	TextGenerator
	StreamChat(ctx context.Context, model string, messages []ChatMessage, onDelta func(delta string)) (string, error)
}
