// Package agent drives one conversation through a compiled step graph.
//
// A turn (Agent.Chat) runs steps until one waits for user input or the graph
// is exhausted. The conversation position is persisted after every status
// transition, so a turn interrupted at any point resumes on the same step.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/aretw0/parley/internal/compiler"
	"github.com/aretw0/parley/internal/iterator"
	"github.com/aretw0/parley/internal/llm"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/internal/slots"
	"github.com/aretw0/parley/internal/steps"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/google/uuid"
)

// maxStepsPerTurn stops definitions that jump in a loop without ever waiting
// for input.
const maxStepsPerTurn = 1000

var errStopped = errors.New("event consumer stopped")

// ChatOptions tunes one turn.
type ChatOptions struct {
	// History emits the stored conversation memory before anything else.
	History bool
	// Voice synthesizes audio alongside the streamed text.
	Voice bool
}

// Agent is the driver of one conversation. It is not safe for concurrent
// use; callers serialize turns per conversation.
type Agent struct {
	graph *compiler.Graph
	it    *iterator.Iterator
	id    domain.Identity
	store ports.Persistence
	env   *steps.Env

	synth  ports.Synthesizer
	voice  *domain.VoiceConfig
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithRetriever sets the retrieval collaborator used by vector_db steps.
func WithRetriever(r ports.Retriever) Option {
	return func(a *Agent) { a.env.Retriever = r }
}

// WithHTTPClient sets the client used by api_call and sse_call steps.
func WithHTTPClient(c ports.HTTPDoer) Option {
	return func(a *Agent) { a.env.HTTP = c }
}

// WithHooks registers lifecycle hooks.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(a *Agent) { a.env.Hooks = a.env.Hooks.Merge(h) }
}

// WithSynthesizer enables voice mode. The voice defaults to the one declared
// by the agent definition.
func WithSynthesizer(s ports.Synthesizer, voice *domain.VoiceConfig) Option {
	return func(a *Agent) {
		a.synth = s
		if voice != nil {
			a.voice = voice
		}
	}
}

// New restores the conversation of id on graph. The graph is mutated by the
// conversation and must not be shared; use Graph.Clone.
func New(ctx context.Context, graph *compiler.Graph, id domain.Identity, store ports.Persistence, core *llm.Core, opts ...Option) (*Agent, error) {
	a := &Agent{
		graph:  graph,
		id:     id,
		store:  store,
		voice:  graph.Voice,
		logger: logging.NewNop(),
		now:    time.Now,
		env: &steps.Env{
			AgentID: graph.AgentID,
			Slots:   slots.NewResolver(store, id),
			Usage:   store,
			LLM:     core,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("conversation", id.ConversationID, "agent", graph.AgentID)
	a.env.Logger = a.logger

	state, err := store.LoadState(ctx, id.ConversationID)
	if errors.Is(err, domain.ErrConversationNotFound) {
		a.it, err = iterator.New(graph, "")
		return a, err
	}
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}

	a.it, err = iterator.New(graph, state.CurrentStepID)
	if err != nil {
		return nil, err
	}
	if step, ok := a.it.Current(); ok {
		step.SetStatus(state.Status)
		step.SetPending(state.PendingResponse)
		// A step persisted while running never finished; run it again from
		// scratch.
		if state.Status == domain.StatusRunning {
			step.Reset()
		}
	}
	return a, nil
}

// Identity returns the conversation identity.
func (a *Agent) Identity() domain.Identity { return a.id }

// Current returns the step the conversation is positioned on.
func (a *Agent) Current() (*steps.Step, bool) { return a.it.Current() }

// Chat runs one turn and yields its events in order. The sequence is lazy:
// nothing runs until it is ranged over, and breaking out of the loop stops
// the turn. Errors are logged and end the sequence with an EventError.
func (a *Agent) Chat(ctx context.Context, message string, opts ChatOptions) iter.Seq[domain.Event] {
	return func(yield func(domain.Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		t := &turn{agent: a, ctx: ctx, message: message, yield: yield}
		if opts.Voice {
			if a.synth != nil && a.voice != nil {
				t.voice = a.voice
			} else {
				a.logger.Warn("voice mode requested without a synthesizer or voice config")
			}
		}

		err := t.run(opts.History)
		if err == nil || errors.Is(err, errStopped) {
			return
		}
		a.logger.Error("chat turn failed", "err", err)
		e := domain.Event{Type: domain.EventError, Err: err}
		if step, ok := a.it.Current(); ok {
			e.StepID = step.ID()
		}
		yield(e)
	}
}

// turn is the state of one Chat call.
type turn struct {
	agent   *Agent
	ctx     context.Context
	message string
	voice   *domain.VoiceConfig
	yield   func(domain.Event) bool
}

func (t *turn) emit(e domain.Event) error {
	if !t.yield(e) {
		return errStopped
	}
	return nil
}

func (t *turn) run(history bool) error {
	a := t.agent
	if history {
		entries, err := a.store.QueryMemory(t.ctx, a.id.ConversationID, domain.MemoryQuery{})
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if err := t.emit(domain.Event{Type: domain.EventHistory, History: entries}); err != nil {
			return err
		}
	}

	for range maxStepsPerTurn {
		step, ok := a.it.Current()
		if !ok {
			return t.emit(domain.Event{Type: domain.EventConversationEnd})
		}

		switch step.Status() {
		case domain.StatusCompleted:
			next, ok := a.it.Next()
			if !ok {
				if err := a.save(t.ctx, step); err != nil {
					return err
				}
				return t.emit(domain.Event{Type: domain.EventConversationEnd, StepID: step.ID()})
			}
			next.Reset()
			if err := a.save(t.ctx, next); err != nil {
				return err
			}

		case domain.StatusWaitingForInput:
			if t.message == "" {
				return t.emit(domain.Event{Type: domain.EventHold, StepID: step.ID()})
			}
			if err := a.remember(t.ctx, step.ID(), domain.RoleUser, t.message); err != nil {
				return err
			}
			t.message = ""
			step.SetStatus(domain.StatusCompleted)
			if err := a.save(t.ctx, step); err != nil {
				return err
			}

		default:
			if err := t.execute(step); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("turn exceeded %d steps without waiting for input", maxStepsPerTurn)
}

func (t *turn) execute(step *steps.Step) error {
	a := t.agent
	if err := t.emit(domain.Event{Type: domain.EventTyping, StepID: step.ID()}); err != nil {
		return err
	}
	if err := a.saveAs(t.ctx, step.ID(), domain.StatusRunning, step.Pending()); err != nil {
		return err
	}

	content, err := step.Execute(t.ctx, a.env)
	if err != nil {
		if serr := a.save(t.ctx, step); serr != nil {
			a.logger.Error("failed to persist step error", "step", step.ID(), "err", serr)
		}
		return err
	}

	target, err := t.handle(step, content)
	if err != nil {
		// A reply cut short is already in Error. Stopping after the whole
		// reply was delivered keeps the status Execute set.
		if !errors.Is(err, errStopped) {
			step.SetStatus(domain.StatusError)
		}
		if serr := a.save(t.ctx, step); serr != nil {
			a.logger.Error("failed to persist step error", "step", step.ID(), "err", serr)
		}
		return err
	}
	if target != "" {
		next, err := a.it.Goto(target)
		if err != nil {
			return err
		}
		next.Reset()
		return a.save(t.ctx, next)
	}
	return a.save(t.ctx, step)
}

// handle applies the content of an executed step and returns the id of the
// step to jump to, if any.
func (t *turn) handle(step *steps.Step, content steps.Content) (string, error) {
	a := t.agent
	switch c := content.(type) {
	case nil:
		return "", nil

	case *steps.Message:
		if err := t.stream(step, c); err != nil {
			return "", err
		}
		return "", nil

	case *steps.StepValue:
		if err := a.env.Slots.SetAll(t.ctx, c.Slots); err != nil {
			return "", fmt.Errorf("store values of %q: %w", step.ID(), err)
		}
		return c.Goto, nil

	case *steps.Combined:
		target := ""
		for _, item := range c.Items {
			child, ok := a.it.Step(item.StepID)
			if !ok {
				return "", fmt.Errorf("combined child %q: %w", item.StepID, domain.ErrUnknownStep)
			}
			jump, err := t.handle(child, item.Content)
			if err != nil {
				step.SetStatus(domain.StatusError)
				return "", err
			}
			if target == "" {
				target = jump
			}
		}
		return target, nil
	}

	if content == steps.Skipped {
		step.SetStatus(domain.StatusCompleted)
		return "", nil
	}
	return "", fmt.Errorf("step %q produced unknown content %T", step.ID(), content)
}

func (a *Agent) save(ctx context.Context, step *steps.Step) error {
	return a.saveAs(ctx, step.ID(), step.Status(), step.Pending())
}

func (a *Agent) saveAs(ctx context.Context, stepID string, status domain.StepStatus, pending *string) error {
	state := &domain.ConversationState{
		CurrentStepID:   stepID,
		Status:          status,
		PendingResponse: pending,
		UpdatedAt:       a.now(),
	}
	if err := a.store.SaveState(ctx, a.id.ConversationID, state); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (a *Agent) remember(ctx context.Context, stepID string, role domain.Role, content string) error {
	_, err := a.appendMemory(ctx, stepID, role, content)
	return err
}

func (a *Agent) appendMemory(ctx context.Context, stepID string, role domain.Role, content string) (string, error) {
	entry := domain.MemoryEntry{
		ID:             uuid.NewString(),
		ConversationID: a.id.ConversationID,
		StepID:         stepID,
		Role:           role,
		Content:        content,
		CreatedAt:      a.now(),
	}
	if err := a.store.AppendMemory(ctx, entry); err != nil {
		return "", fmt.Errorf("append memory: %w", err)
	}
	return entry.ID, nil
}
