package parley

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aretw0/parley/internal/agent"
	"github.com/aretw0/parley/internal/llm"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/adapters/memory"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/aretw0/parley/pkg/registry"
	"github.com/aretw0/parley/pkg/session"
)

// ErrNoProvider is returned by Chat when the Engine has no LLM provider.
var ErrNoProvider = errors.New("parley: no LLM provider configured")

// ChatRequest is one user turn.
type ChatRequest struct {
	AgentID  string
	Identity domain.Identity
	// Message is the user input; empty to just advance the conversation.
	Message string
	// History emits the stored conversation before the turn's events.
	History bool
	// Voice streams synthesized audio alongside the text.
	Voice bool
}

// Engine is the entry point of the library. It owns the definition registry,
// the per-conversation locks and the collaborators shared by every
// conversation.
type Engine struct {
	loader    ports.DefinitionLoader
	store     ports.Persistence
	provider  ports.LLMProvider
	retriever ports.Retriever
	synth     ports.Synthesizer
	voice     *domain.VoiceConfig
	http      ports.HTTPDoer
	locker    ports.DistributedLocker
	lockTTL   time.Duration
	hooks     domain.LifecycleHooks
	logger    *slog.Logger
	llmOpts   []llm.Option

	registry *registry.Registry
	sessions *session.Manager
	core     *llm.Core
}

// Option defines a functional option for configuring the Engine.
type Option func(*Engine)

// WithLoader sets where agent definitions are read from. Required.
func WithLoader(l ports.DefinitionLoader) Option {
	return func(e *Engine) { e.loader = l }
}

// WithPersistence sets the store of slots, memory, state and usage.
// Defaults to an in-memory store.
func WithPersistence(p ports.Persistence) Option {
	return func(e *Engine) { e.store = p }
}

// WithProvider sets the LLM provider.
func WithProvider(p ports.LLMProvider) Option {
	return func(e *Engine) { e.provider = p }
}

// WithRetriever sets the retrieval collaborator of vector_db steps.
func WithRetriever(r ports.Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithSynthesizer enables voice mode. voice overrides the voice declared by
// agent definitions when non-nil.
func WithSynthesizer(s ports.Synthesizer, voice *domain.VoiceConfig) Option {
	return func(e *Engine) {
		e.synth = s
		e.voice = voice
	}
}

// WithHTTPClient sets the client of api_call and sse_call steps.
func WithHTTPClient(c ports.HTTPDoer) Option {
	return func(e *Engine) { e.http = c }
}

// WithLocker coordinates conversation turns across replicas.
func WithLocker(l ports.DistributedLocker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		e.lockTTL = ttl
	}
}

// WithLifecycleHooks registers observability hooks. Repeated calls chain.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(e *Engine) { e.hooks = e.hooks.Merge(hooks) }
}

// WithLogger sets a custom structured logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithModel sets the model used by steps that name none.
func WithModel(model string) Option {
	return func(e *Engine) { e.llmOpts = append(e.llmOpts, llm.WithDefaultModel(model)) }
}

// WithTemperature sets the temperature used by steps that set none.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.llmOpts = append(e.llmOpts, llm.WithDefaultTemperature(t)) }
}

// WithTimeouts bounds every provider attempt and every call including retries.
func WithTimeouts(attempt, total time.Duration) Option {
	return func(e *Engine) { e.llmOpts = append(e.llmOpts, llm.WithTimeouts(attempt, total)) }
}

// WithBackoff sets the exponential backoff bounds between provider attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Engine) { e.llmOpts = append(e.llmOpts, llm.WithBackoff(initial, max)) }
}

// New initializes an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.loader == nil {
		return nil, errors.New("parley: a definition loader is required")
	}
	if e.store == nil {
		e.store = memory.NewStore()
	}
	if e.logger == nil {
		e.logger = logging.NewNop()
	}

	e.registry = registry.New(e.loader, registry.WithLogger(e.logger))
	sessionOpts := []session.Option{session.WithLogger(e.logger)}
	if e.locker != nil {
		sessionOpts = append(sessionOpts, session.WithLocker(e.locker))
		if e.lockTTL > 0 {
			sessionOpts = append(sessionOpts, session.WithLockTTL(e.lockTTL))
		}
	}
	e.sessions = session.NewManager(e.store, sessionOpts...)

	if e.provider != nil {
		coreOpts := append([]llm.Option{llm.WithLogger(e.logger), llm.WithHooks(e.hooks)}, e.llmOpts...)
		e.core = llm.New(e.provider, e.store, coreOpts...)
	}
	return e, nil
}

// Chat runs one turn of a conversation and yields its events. The
// conversation is locked from the first iteration until the sequence ends or
// the caller stops ranging over it.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		fail := func(err error) {
			e.logger.Error("chat turn failed", "agent", req.AgentID, "conversation", req.Identity.ConversationID, "err", err)
			yield(domain.Event{Type: domain.EventError, Err: err})
		}
		if e.core == nil {
			fail(ErrNoProvider)
			return
		}
		if req.Identity.ConversationID == "" {
			fail(errors.New("parley: conversation id is required"))
			return
		}
		message, err := SanitizeInput(req.Message)
		if err != nil {
			fail(err)
			return
		}

		release, err := e.sessions.Acquire(ctx, req.Identity.ConversationID)
		if err != nil {
			fail(err)
			return
		}
		defer release()

		graph, err := e.registry.Graph(ctx, req.AgentID)
		if err != nil {
			fail(err)
			return
		}

		opts := []agent.Option{
			agent.WithLogger(e.logger),
			agent.WithHooks(e.hooks),
		}
		if e.retriever != nil {
			opts = append(opts, agent.WithRetriever(e.retriever))
		}
		if e.http != nil {
			opts = append(opts, agent.WithHTTPClient(e.http))
		}
		if e.synth != nil {
			opts = append(opts, agent.WithSynthesizer(e.synth, e.voice))
		}
		a, err := agent.New(ctx, graph, req.Identity, e.store, e.core, opts...)
		if err != nil {
			fail(fmt.Errorf("restore conversation: %w", err))
			return
		}

		for ev := range a.Chat(ctx, message, agent.ChatOptions{History: req.History, Voice: req.Voice}) {
			if !yield(ev) {
				return
			}
		}
	}
}

// Validate loads and compiles one agent.
func (e *Engine) Validate(ctx context.Context, agentID string) error {
	_, err := e.registry.Compile(ctx, agentID)
	return err
}

// ValidateAll compiles every available agent and returns the failures keyed
// by agent id.
func (e *Engine) ValidateAll(ctx context.Context) (map[string]error, error) {
	return e.registry.Validate(ctx)
}

// Agents lists the available agent ids.
func (e *Engine) Agents(ctx context.Context) ([]string, error) {
	return e.registry.List(ctx)
}

// State returns the persisted position of a conversation.
func (e *Engine) State(ctx context.Context, conversationID string) (*domain.ConversationState, error) {
	return e.sessions.Load(ctx, conversationID)
}

// History returns the stored messages of a conversation, oldest first.
func (e *Engine) History(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error) {
	return e.store.QueryMemory(ctx, conversationID, domain.MemoryQuery{})
}

// Usage returns the tokens consumed by a user.
func (e *Engine) Usage(ctx context.Context, userID string) (domain.Usage, error) {
	return e.store.Usage(ctx, userID)
}

// Reset forgets the position of a conversation so its next turn starts from
// the first step. Slots and memory are kept.
func (e *Engine) Reset(ctx context.Context, conversationID string) error {
	return e.sessions.Delete(ctx, conversationID)
}

// Watch recompiles agents as their definitions change, until ctx is done.
// Loaders without change notifications make it a no-op.
func (e *Engine) Watch(ctx context.Context) error {
	return e.registry.Watch(ctx)
}
