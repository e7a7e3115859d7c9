package ports

import (
	"context"

	"github.com/aretw0/parley/pkg/domain"
)

// SlotStore persists scoped slot values.
type SlotStore interface {
	// GetSlot returns the value of a slot and whether it is set.
	GetSlot(ctx context.Context, key domain.ScopeKey, name string) (domain.Value, bool, error)

	// SetSlot stores a slot value, replacing any previous one.
	SetSlot(ctx context.Context, key domain.ScopeKey, name string, value domain.Value) error
}

// MemoryStore persists the ordered conversation history.
type MemoryStore interface {
	// AppendMemory adds an entry at the end of the conversation history.
	AppendMemory(ctx context.Context, entry domain.MemoryEntry) error

	// UpdateMemory replaces the content of an existing entry.
	UpdateMemory(ctx context.Context, conversationID, entryID, content string) error

	// QueryMemory returns matching entries, oldest first.
	QueryMemory(ctx context.Context, conversationID string, q domain.MemoryQuery) ([]domain.MemoryEntry, error)
}

// StateStore persists the resumable conversation state.
// This allows for durable execution, enabling "Stop & Resume" conversations.
type StateStore interface {
	// SaveState persists the state of a conversation.
	SaveState(ctx context.Context, conversationID string, state *domain.ConversationState) error

	// LoadState retrieves the state of a conversation.
	// Returns domain.ErrConversationNotFound if the conversation does not exist.
	LoadState(ctx context.Context, conversationID string) (*domain.ConversationState, error)

	// DeleteState removes the state of a conversation.
	DeleteState(ctx context.Context, conversationID string) error
}

// UsageRecorder accumulates LLM token usage.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, id domain.Identity, usage domain.Usage) error
	Usage(ctx context.Context, userID string) (domain.Usage, error)
}

// Persistence is everything the engine stores.
type Persistence interface {
	SlotStore
	MemoryStore
	StateStore
	UsageRecorder
}
