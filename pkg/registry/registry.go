// Package registry loads, compiles and caches agent definitions.
//
// Every agent is compiled once and cached; conversations receive their own
// clone of the compiled graph. Concurrent first requests for one agent share
// a single compilation. Definitions changed at the source are invalidated
// through the loader's change notifications.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aretw0/parley/internal/compiler"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/definition"
	"github.com/aretw0/parley/pkg/inflight"
	"github.com/aretw0/parley/pkg/ports"
)

// Registry is a cache of compiled agents.
type Registry struct {
	loader ports.DefinitionLoader
	group  *inflight.Group[*compiler.Graph]
	logger *slog.Logger

	mu     sync.RWMutex
	graphs map[string]*compiler.Graph
	// gen is bumped on invalidation so that a compilation started before a
	// change does not repopulate the cache with a stale graph.
	gen map[string]uint64
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a Registry reading definitions from loader.
func New(loader ports.DefinitionLoader, opts ...Option) *Registry {
	r := &Registry{
		loader: loader,
		group:  inflight.New[*compiler.Graph](),
		logger: logging.NewNop(),
		graphs: make(map[string]*compiler.Graph),
		gen:    make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Graph returns a private copy of the compiled agent, compiling it on first
// use.
func (r *Registry) Graph(ctx context.Context, agentID string) (*compiler.Graph, error) {
	g, err := r.compiled(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return g.Clone(), nil
}

func (r *Registry) compiled(ctx context.Context, agentID string) (*compiler.Graph, error) {
	r.mu.RLock()
	g, ok := r.graphs[agentID]
	gen := r.gen[agentID]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}

	key := fmt.Sprintf("%s#%d", agentID, gen)
	g, _, err := r.group.Do(ctx, key, func() (*compiler.Graph, error) {
		g, err := r.Compile(context.WithoutCancel(ctx), agentID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.gen[agentID] == gen {
			r.graphs[agentID] = g
		}
		r.mu.Unlock()
		return g, nil
	})
	return g, err
}

// Compile loads and compiles an agent without touching the cache.
func (r *Registry) Compile(ctx context.Context, agentID string) (*compiler.Graph, error) {
	data, err := r.loader.Load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	def, err := definition.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", agentID, err)
	}
	if def.ID != agentID {
		return nil, fmt.Errorf("agent %q: %w: declares id %q", agentID, definition.ErrInvalidDefinition, def.ID)
	}
	g, err := compiler.Compile(def)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", agentID, err)
	}
	r.logger.Debug("agent compiled", "agent", agentID, "steps", g.Size())
	return g, nil
}

// Validate compiles every agent the loader lists and returns the failures
// keyed by agent id.
func (r *Registry) Validate(ctx context.Context) (map[string]error, error) {
	ids, err := r.loader.List(ctx)
	if err != nil {
		return nil, err
	}
	failures := make(map[string]error)
	for _, id := range ids {
		if _, err := r.Compile(ctx, id); err != nil {
			failures[id] = err
		}
	}
	return failures, nil
}

// List returns the ids of the available agents.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	return r.loader.List(ctx)
}

// Invalidate drops the cached graph of an agent.
func (r *Registry) Invalidate(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.graphs, agentID)
	r.gen[agentID]++
}

// Watch invalidates agents as the loader reports changes, until ctx is done.
// It returns immediately; loaders without change notifications are a no-op.
func (r *Registry) Watch(ctx context.Context) error {
	w, ok := r.loader.(ports.Watchable)
	if !ok {
		return nil
	}
	changes, err := w.Watch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("watch definitions: %w", err)
	}
	go func() {
		for id := range changes {
			r.logger.Info("agent definition changed", "agent", id)
			r.Invalidate(id)
		}
	}()
	return nil
}
