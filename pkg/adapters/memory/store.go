// Package memory provides in-memory adapters, used by tests and by the CLI
// when no durable backend is configured.
package memory

import (
	"context"
	"sync"

	"github.com/aretw0/parley/pkg/domain"
)

// Store implements ports.Persistence in memory.
// Safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	slots  map[domain.ScopeKey]map[string]domain.Value
	memory map[string][]domain.MemoryEntry
	states map[string]domain.ConversationState
	usage  map[string]domain.Usage
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		slots:  make(map[domain.ScopeKey]map[string]domain.Value),
		memory: make(map[string][]domain.MemoryEntry),
		states: make(map[string]domain.ConversationState),
		usage:  make(map[string]domain.Usage),
	}
}

// GetSlot returns a slot value.
func (s *Store) GetSlot(ctx context.Context, key domain.ScopeKey, name string) (domain.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.slots[key][name]
	return v, ok, nil
}

// SetSlot stores a slot value.
func (s *Store) SetSlot(ctx context.Context, key domain.ScopeKey, name string, value domain.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.slots[key]
	if !ok {
		m = make(map[string]domain.Value)
		s.slots[key] = m
	}
	m[name] = value
	return nil
}

// AppendMemory adds a history entry.
func (s *Store) AppendMemory(ctx context.Context, entry domain.MemoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memory[entry.ConversationID] = append(s.memory[entry.ConversationID], entry)
	return nil
}

// UpdateMemory replaces the content of an entry. Unknown entries are ignored.
func (s *Store) UpdateMemory(ctx context.Context, conversationID, entryID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.memory[conversationID]
	for i := range entries {
		if entries[i].ID == entryID {
			entries[i].Content = content
			return nil
		}
	}
	return nil
}

// QueryMemory returns matching entries, oldest first.
func (s *Store) QueryMemory(ctx context.Context, conversationID string, q domain.MemoryQuery) ([]domain.MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Apply copies, so callers can't mutate stored entries.
	return q.Apply(s.memory[conversationID]), nil
}

// SaveState persists the conversation state.
func (s *Store) SaveState(ctx context.Context, conversationID string, state *domain.ConversationState) error {
	// Copy to ensure isolation, similar to serialization
	copied := *state
	if state.PendingResponse != nil {
		p := *state.PendingResponse
		copied.PendingResponse = &p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[conversationID] = copied
	return nil
}

// LoadState retrieves the conversation state.
func (s *Store) LoadState(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[conversationID]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	if state.PendingResponse != nil {
		p := *state.PendingResponse
		state.PendingResponse = &p
	}
	return &state, nil
}

// DeleteState removes the conversation state.
func (s *Store) DeleteState(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conversationID)
	return nil
}

// IncrementUsage adds token usage to the user's total.
func (s *Store) IncrementUsage(ctx context.Context, id domain.Identity, usage domain.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[id.UserID] = s.usage[id.UserID].Add(usage)
	return nil
}

// Usage returns the user's accumulated token usage.
func (s *Store) Usage(ctx context.Context, userID string) (domain.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage[userID], nil
}

// Conversations returns the ids of conversations with saved state.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	return ids
}
