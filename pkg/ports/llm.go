package ports

import (
	"context"

	"github.com/aretw0/parley/pkg/domain"
)

// ChatRole is the author of a chat message sent to a provider.
type ChatRole string

const (
	ChatSystem    ChatRole = "system"
	ChatUser      ChatRole = "user"
	ChatAssistant ChatRole = "assistant"
)

// ChatMessage is one message of a provider request.
type ChatMessage struct {
	Role    ChatRole
	Content string
}

// Tool is a structured-output contract presented to the provider.
// Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature *float64
	MaxTokens   int

	// Tool, when set, forces the provider to call it.
	Tool *Tool
}

// ChatResponse is a completed provider reply.
type ChatResponse struct {
	Text string
	// Arguments holds the decoded tool arguments when a tool was forced.
	Arguments map[string]any
	Usage     domain.Usage
}

// StreamChunk is one piece of a streamed reply.
// The final chunk carries Usage; a chunk with Err ends the stream.
type StreamChunk struct {
	Text  string
	Usage *domain.Usage
	Err   error
}

// LLMProvider is a chat-completion backend.
type LLMProvider interface {
	Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Stream returns a channel closed by the provider when the reply ends.
	Stream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}
