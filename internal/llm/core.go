package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

const continuationNote = "Your previous reply was interrupted. Continue it exactly where it stopped, without repeating it. Partial reply so far:\n"

// Core builds provider requests and calls the provider.
type Core struct {
	provider ports.LLMProvider
	memory   ports.MemoryStore
	logger   *slog.Logger
	hooks    domain.LifecycleHooks

	model          string
	temperature    *float64
	attemptTimeout time.Duration
	totalTimeout   time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithHooks sets the lifecycle hooks fired after every provider call.
func WithHooks(h domain.LifecycleHooks) Option {
	return func(c *Core) { c.hooks = h }
}

// WithDefaultModel sets the model used when a step names none.
func WithDefaultModel(model string) Option {
	return func(c *Core) { c.model = model }
}

// WithDefaultTemperature sets the temperature used when a step sets none.
func WithDefaultTemperature(t float64) Option {
	return func(c *Core) { c.temperature = &t }
}

// WithTimeouts bounds each provider attempt and the whole call including retries.
func WithTimeouts(attempt, total time.Duration) Option {
	return func(c *Core) {
		c.attemptTimeout = attempt
		c.totalTimeout = total
	}
}

// WithBackoff sets the exponential backoff bounds between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Core) {
		c.initialBackoff = initial
		c.maxBackoff = max
	}
}

// New creates a Core over a provider and the conversation memory.
func New(provider ports.LLMProvider, memory ports.MemoryStore, opts ...Option) *Core {
	c := &Core{
		provider:       provider,
		memory:         memory,
		logger:         logging.NewNop(),
		attemptTimeout: 30 * time.Second,
		totalTimeout:   90 * time.Second,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     8 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke performs a non-streaming call. With a Tool configured the decoded
// tool arguments are returned, otherwise the reply text.
func (c *Core) Invoke(ctx context.Context, cfg Config, call Call) (*Result, error) {
	req, err := c.request(ctx, cfg, call)
	if err != nil {
		return nil, err
	}

	ctx, span := startCallSpan(ctx, call, req.Model, false)
	start := time.Now()
	var resp *ports.ChatResponse
	err = c.retry(ctx, func(ctx context.Context) error {
		r, err := c.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		if cfg.Tool != nil && r.Arguments == nil {
			return fmt.Errorf("%w: expected a call to %q", domain.ErrUnexpectedResponseFormat, cfg.Tool.Name)
		}
		if cfg.Tool == nil && strings.TrimSpace(r.Text) == "" {
			return fmt.Errorf("%w: empty reply", domain.ErrUnexpectedResponseFormat)
		}
		resp = r
		return nil
	})

	var usage domain.Usage
	if resp != nil {
		usage = resp.Usage
	}
	c.fire(ctx, call, req.Model, false, usage, time.Since(start), err)
	endCallSpan(span, usage, err)
	if err != nil {
		return nil, err
	}
	return &Result{Text: resp.Text, Arguments: resp.Arguments, Usage: resp.Usage}, nil
}

// Stream requests a token stream. The returned channel is closed when the
// reply ends; a chunk carrying Err is always the last one.
func (c *Core) Stream(ctx context.Context, cfg Config, call Call) (<-chan ports.StreamChunk, error) {
	if cfg.Tool != nil {
		return nil, errors.New("llm: streaming cannot force a tool call")
	}
	req, err := c.request(ctx, cfg, call)
	if err != nil {
		return nil, err
	}

	// Streams are bounded by the total timeout only; an attempt timeout would
	// cut the stream the attempt opened.
	streamCtx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	streamCtx, span := startCallSpan(streamCtx, call, req.Model, true)
	start := time.Now()

	var src <-chan ports.StreamChunk
	err = c.retryWith(streamCtx, 0, func(ctx context.Context) error {
		ch, err := c.provider.Stream(ctx, req)
		if err != nil {
			return err
		}
		src = ch
		return nil
	})
	if err != nil {
		c.fire(ctx, call, req.Model, true, domain.Usage{}, time.Since(start), err)
		endCallSpan(span, domain.Usage{}, err)
		cancel()
		return nil, err
	}

	out := make(chan ports.StreamChunk)
	go func() {
		defer cancel()
		defer close(out)

		var usage domain.Usage
		var streamErr error
		defer func() {
			c.fire(ctx, call, req.Model, true, usage, time.Since(start), streamErr)
			endCallSpan(span, usage, streamErr)
		}()

		for {
			select {
			case chunk, ok := <-src:
				if !ok {
					return
				}
				if chunk.Usage != nil {
					usage = *chunk.Usage
				}
				if chunk.Err != nil {
					streamErr = timeoutError(streamCtx, chunk.Err)
					chunk.Err = streamErr
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					streamErr = ctx.Err()
					return
				}
				if chunk.Err != nil {
					return
				}
			case <-streamCtx.Done():
				streamErr = timeoutError(streamCtx, streamCtx.Err())
				select {
				case out <- ports.StreamChunk{Err: streamErr}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

func (c *Core) request(ctx context.Context, cfg Config, call Call) (ports.ChatRequest, error) {
	msgs, err := c.messages(ctx, cfg, call)
	if err != nil {
		return ports.ChatRequest{}, err
	}
	req := ports.ChatRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Tool:        cfg.Tool,
	}
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Temperature == nil {
		req.Temperature = c.temperature
	}
	return req, nil
}

// messages assembles the system prompt, the filtered history and the
// optional continuation note.
func (c *Core) messages(ctx context.Context, cfg Config, call Call) ([]ports.ChatMessage, error) {
	templates := make([]domain.Template, 0, len(cfg.Prompts)+1)
	templates = append(templates, cfg.Prefix)
	templates = append(templates, cfg.Prompts...)

	paths := domain.TemplateSlots(templates...)
	paths = append(paths, cfg.Slots...)
	values, err := call.Slots.Resolve(ctx, paths)
	if err != nil {
		return nil, err
	}

	system := domain.RenderAll(templates, values)
	if known := knownValues(cfg.Slots, values); known != "" {
		if system != "" {
			system += "\n\n"
		}
		system += known
	}

	msgs := make([]ports.ChatMessage, 0, 8)
	if system != "" {
		msgs = append(msgs, ports.ChatMessage{Role: ports.ChatSystem, Content: system})
	}

	if c.memory != nil {
		id := call.Slots.Identity()
		history, err := c.memory.QueryMemory(ctx, id.ConversationID, domain.MemoryQuery{
			StepIDs: cfg.MemoryFilter,
			Limit:   cfg.MemoryLimit,
		})
		if err != nil {
			return nil, fmt.Errorf("query memory: %w", err)
		}
		for _, e := range history {
			role := ports.ChatUser
			if e.Role == domain.RoleAssistant {
				role = ports.ChatAssistant
			}
			msgs = append(msgs, ports.ChatMessage{Role: role, Content: e.Content})
		}
	}

	if call.Partial != "" {
		msgs = append(msgs, ports.ChatMessage{Role: ports.ChatSystem, Content: continuationNote + call.Partial})
	}
	return msgs, nil
}

func knownValues(paths []domain.SlotPath, values map[domain.SlotPath]domain.Value) string {
	lines := make([]string, 0, len(paths))
	seen := make(map[domain.SlotPath]struct{}, len(paths))
	for _, p := range paths {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if v, ok := values[p]; ok && !v.IsNull() {
			lines = append(lines, fmt.Sprintf("- %s: %s", p, v))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	sort.Strings(lines)
	return "Known values:\n" + strings.Join(lines, "\n")
}

func (c *Core) fire(ctx context.Context, call Call, model string, streaming bool, usage domain.Usage, d time.Duration, err error) {
	if err != nil {
		c.logger.Warn("llm call failed", "step", call.StepID, "model", model, "streaming", streaming, "err", err)
	}
	c.hooks.LLMCalled(ctx, &domain.LLMEvent{
		Timestamp:      time.Now(),
		ConversationID: call.Slots.Identity().ConversationID,
		StepID:         call.StepID,
		Model:          model,
		Streaming:      streaming,
		Usage:          usage,
		Duration:       d,
		Err:            err,
	})
}
