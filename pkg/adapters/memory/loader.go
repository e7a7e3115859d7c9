package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aretw0/parley/pkg/domain"
)

// Loader implements ports.DefinitionLoader and ports.Watchable using an
// in-memory map.
type Loader struct {
	mu       sync.RWMutex
	defs     map[string][]byte
	watchers []chan string
}

// NewLoader creates a new Loader with the provided raw YAML definitions.
func NewLoader(data map[string]string) *Loader {
	defs := make(map[string][]byte, len(data))
	for k, v := range data {
		defs[k] = []byte(v)
	}
	return &Loader{defs: defs}
}

// Load retrieves the raw definition of an agent by ID.
func (l *Loader) Load(ctx context.Context, id string) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	content, ok := l.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return content, nil
}

// List returns all available definition IDs.
func (l *Loader) List(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.defs))
	for k := range l.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Deterministic order
	return keys, nil
}

// Set replaces a definition and notifies watchers.
func (l *Loader) Set(id, content string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defs[id] = []byte(content)
	for _, w := range l.watchers {
		select {
		case w <- id:
		default:
		}
	}
}

// Watch returns a channel receiving the id of every changed definition.
func (l *Loader) Watch(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	l.mu.Lock()
	l.watchers = append(l.watchers, ch)
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, w := range l.watchers {
			if w == ch {
				l.watchers = append(l.watchers[:i], l.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}
