package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// DefaultLockTTL bounds how long a distributed lock outlives a crashed holder.
const DefaultLockTTL = 2 * time.Minute

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager serializes turns per conversation. It uses reference counting to
// garbage collect unused locks.
type Manager struct {
	store ports.StateStore

	mu    sync.Mutex
	locks map[string]*lockEntry

	locker ports.DistributedLocker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking across replicas.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithLockTTL sets the TTL of distributed locks.
func WithLockTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.ttl = ttl
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a Manager over the given state store.
func NewManager(store ports.StateStore, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultLockTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(id) after unlocking.
func (m *Manager) acquire(id string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		entry = &lockEntry{}
		m.locks[id] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[id]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, id)
	}
}

// Acquire takes the exclusive lock of a conversation and returns the function
// releasing it. It is the form used when the locked section outlives a single
// call, such as a lazily consumed event sequence.
func (m *Manager) Acquire(ctx context.Context, conversationID string) (func(), error) {
	entry := m.acquire(conversationID)
	locked := make(chan struct{})
	go func() {
		entry.mu.Lock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-ctx.Done():
		// Hand the lock back once the pending Lock succeeds.
		go func() {
			<-locked
			entry.mu.Unlock()
			m.release(conversationID)
		}()
		return nil, ctx.Err()
	}

	unlockLocal := func() {
		entry.mu.Unlock()
		m.release(conversationID)
	}
	if m.locker == nil {
		return unlockLocal, nil
	}

	unlock, err := m.locker.Lock(ctx, conversationID, m.ttl)
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("failed to acquire distributed lock: %w", err)
	}
	return func() {
		// The caller's context may already be done; release regardless.
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
				"conversation_id", conversationID,
				"err", err,
			)
		}
		unlockLocal()
	}, nil
}

// WithLock executes fn while holding the lock of the conversation.
func (m *Manager) WithLock(ctx context.Context, conversationID string, fn func(context.Context) error) error {
	release, err := m.Acquire(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Load returns the persisted state of a conversation.
func (m *Manager) Load(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	var state *domain.ConversationState
	err := m.WithLock(ctx, conversationID, func(ctx context.Context) error {
		var err error
		state, err = m.store.LoadState(ctx, conversationID)
		return err
	})
	return state, err
}

// Delete forgets the position of a conversation; its next turn starts over.
func (m *Manager) Delete(ctx context.Context, conversationID string) error {
	return m.WithLock(ctx, conversationID, func(ctx context.Context) error {
		return m.store.DeleteState(ctx, conversationID)
	})
}

// Store returns the underlying state store.
func (m *Manager) Store() ports.StateStore {
	return m.store
}
