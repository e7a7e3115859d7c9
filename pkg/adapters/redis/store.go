// Package redis provides Redis-backed persistence and distributed locking.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// Store implements ports.Persistence using Redis.
//
// Key layout, under the prefix:
//
//	slots:<scope>:<owner>   hash of slot name → JSON value
//	memory:<conv>           list of entry ids, oldest first
//	entries:<conv>          hash of entry id → JSON entry
//	state:<conv>            JSON conversation state
//	usage:<user>            hash of token counters
//	index                   zset of conversations with state, scored by expiry
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration of conversation state and memory.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "parley:",
		ttl:    0, // No expiration by default
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// Client returns the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client { return s.client }

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// GetSlot returns a slot value.
func (s *Store) GetSlot(ctx context.Context, key domain.ScopeKey, name string) (domain.Value, bool, error) {
	raw, err := s.client.HGet(ctx, s.key("slots", key.String()), name).Result()
	if errors.Is(err, backend.Nil) {
		return domain.Null(), false, nil
	}
	if err != nil {
		return domain.Null(), false, fmt.Errorf("failed to get slot from redis: %w", err)
	}
	var v domain.Value
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.Null(), false, fmt.Errorf("failed to unmarshal slot %q: %w", name, err)
	}
	return v, true, nil
}

// SetSlot stores a slot value.
func (s *Store) SetSlot(ctx context.Context, key domain.ScopeKey, name string, value domain.Value) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal slot %q: %w", name, err)
	}
	if err := s.client.HSet(ctx, s.key("slots", key.String()), name, data).Err(); err != nil {
		return fmt.Errorf("failed to save slot to redis: %w", err)
	}
	return nil
}

// AppendMemory adds a history entry.
func (s *Store) AppendMemory(ctx context.Context, entry domain.MemoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal memory entry: %w", err)
	}
	order := s.key("memory", entry.ConversationID)
	entries := s.key("entries", entry.ConversationID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entries, entry.ID, data)
	pipe.RPush(ctx, order, entry.ID)
	if s.ttl > 0 {
		pipe.Expire(ctx, entries, s.ttl)
		pipe.Expire(ctx, order, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append memory to redis: %w", err)
	}
	return nil
}

// UpdateMemory replaces the content of an entry. Unknown entries are ignored.
func (s *Store) UpdateMemory(ctx context.Context, conversationID, entryID, content string) error {
	entries := s.key("entries", conversationID)
	raw, err := s.client.HGet(ctx, entries, entryID).Result()
	if errors.Is(err, backend.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get memory entry from redis: %w", err)
	}
	var entry domain.MemoryEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("failed to unmarshal memory entry: %w", err)
	}
	entry.Content = content
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal memory entry: %w", err)
	}
	return s.client.HSet(ctx, entries, entryID, data).Err()
}

// QueryMemory returns matching entries, oldest first.
func (s *Store) QueryMemory(ctx context.Context, conversationID string, q domain.MemoryQuery) ([]domain.MemoryEntry, error) {
	ids, err := s.client.LRange(ctx, s.key("memory", conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list memory from redis: %w", err)
	}
	if len(ids) == 0 {
		return []domain.MemoryEntry{}, nil
	}
	raws, err := s.client.HMGet(ctx, s.key("entries", conversationID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get memory from redis: %w", err)
	}

	all := make([]domain.MemoryEntry, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var entry domain.MemoryEntry
		if err := json.Unmarshal([]byte(str), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal memory entry: %w", err)
		}
		all = append(all, entry)
	}
	return q.Apply(all), nil
}

// SaveState persists the conversation state.
func (s *Store) SaveState(ctx context.Context, conversationID string, state *domain.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	pipe := s.client.Pipeline()

	// Use 0 for no expiration if ttl is not set.
	pipe.Set(ctx, s.key("state", conversationID), data, s.ttl)

	// Score = Now + TTL. If TTL = 0, Score = +Inf (approx).
	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = 4102444800 // 2100-01-01
	}
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  score,
		Member: conversationID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// LoadState retrieves the conversation state.
func (s *Store) LoadState(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	val, err := s.client.Get(ctx, s.key("state", conversationID)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var state domain.ConversationState
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the conversation state.
func (s *Store) DeleteState(ctx context.Context, conversationID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key("state", conversationID))
	pipe.ZRem(ctx, s.indexKey(), conversationID)
	_, err := pipe.Exec(ctx)
	return err
}

const (
	fieldPrompt     = "prompt"
	fieldCompletion = "completion"
	fieldTotal      = "total"
)

// IncrementUsage adds token usage to the user's total.
func (s *Store) IncrementUsage(ctx context.Context, id domain.Identity, usage domain.Usage) error {
	key := s.key("usage", id.UserID)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, fieldPrompt, usage.PromptTokens)
	pipe.HIncrBy(ctx, key, fieldCompletion, usage.CompletionTokens)
	pipe.HIncrBy(ctx, key, fieldTotal, usage.TotalTokens)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	return nil
}

// Usage returns the user's accumulated token usage.
func (s *Store) Usage(ctx context.Context, userID string) (domain.Usage, error) {
	var counters struct {
		Prompt     int64 `redis:"prompt"`
		Completion int64 `redis:"completion"`
		Total      int64 `redis:"total"`
	}
	if err := s.client.HGetAll(ctx, s.key("usage", userID)).Scan(&counters); err != nil {
		return domain.Usage{}, fmt.Errorf("failed to get usage: %w", err)
	}
	return domain.Usage{
		PromptTokens:     counters.Prompt,
		CompletionTokens: counters.Completion,
		TotalTokens:      counters.Total,
	}, nil
}

// Conversations returns conversations with live state, pruning expired ones
// from the index.
func (s *Store) Conversations(ctx context.Context) ([]string, error) {
	now := float64(time.Now().Unix())
	err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", fmt.Sprintf("%f", now)).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to prune expired conversations: %w", err)
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return ids, nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
