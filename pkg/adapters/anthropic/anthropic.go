// Package anthropic adapts the Anthropic Messages API to ports.LLMProvider.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

const (
	// DefaultModel is used when neither the request nor the provider names one.
	DefaultModel = anthropic.ModelClaude3_5Sonnet20241022

	// DefaultMaxTokens bounds replies when the request sets no limit.
	DefaultMaxTokens = 1024
)

// Provider implements ports.LLMProvider on the Messages API.
type Provider struct {
	client *anthropic.Client
	model  anthropic.Model
}

// Option configures the Provider.
type Option func(*config)

type config struct {
	model       anthropic.Model
	requestOpts []option.RequestOption
}

// WithModel sets the fallback model.
func WithModel(model string) Option {
	return func(c *config) { c.model = anthropic.Model(model) }
}

// WithBaseURL points the client at another endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.requestOpts = append(c.requestOpts, option.WithBaseURL(url)) }
}

// WithRequestOptions passes raw SDK options to the client.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) { c.requestOpts = append(c.requestOpts, opts...) }
}

// New creates a provider. An empty key falls back to ANTHROPIC_API_KEY.
func New(apiKey string, opts ...Option) *Provider {
	cfg := &config{model: DefaultModel}
	for _, opt := range opts {
		opt(cfg)
	}
	reqOpts := cfg.requestOpts
	if apiKey != "" {
		reqOpts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)
	}
	client := anthropic.NewClient(reqOpts...)
	return &Provider{client: &client, model: cfg.model}
}

// Complete implements ports.LLMProvider.
func (p *Provider) Complete(ctx context.Context, req ports.ChatRequest) (*ports.ChatResponse, error) {
	resp, err := p.client.Messages.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &ports.ChatResponse{
		Usage: toUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tool := block.AsToolUse()
			if req.Tool == nil || tool.Name != req.Tool.Name || out.Arguments != nil {
				continue
			}
			args, err := decodeInput(tool.Input)
			if err != nil {
				return nil, err
			}
			out.Arguments = args
		}
	}
	out.Text = text.String()
	return out, nil
}

// Stream implements ports.LLMProvider.
func (p *Provider) Stream(ctx context.Context, req ports.ChatRequest) (<-chan ports.StreamChunk, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.params(req))

	out := make(chan ports.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()
		send := func(c ports.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		message := anthropic.Message{}
		for stream.Next() {
			event := stream.Current()
			if err := message.Accumulate(event); err != nil {
				send(ports.StreamChunk{Err: fmt.Errorf("anthropic stream accumulate: %w", err)})
				return
			}
			switch ev := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
					if !send(ports.StreamChunk{Text: delta.Text}) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ports.StreamChunk{Err: fmt.Errorf("anthropic streaming error: %w", err)})
			return
		}
		usage := toUsage(message.Usage.InputTokens, message.Usage.OutputTokens)
		send(ports.StreamChunk{Usage: &usage})
	}()
	return out, nil
}

func (p *Provider) params(req ports.ChatRequest) anthropic.MessageNewParams {
	model := p.model
	if req.Model != "" {
		model = anthropic.Model(req.Model)
	}
	maxTokens := int64(DefaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, m := range req.Messages {
		switch m.Role {
		case ports.ChatSystem:
			params.System = append(params.System, anthropic.TextBlockParam{Text: m.Content})
		case ports.ChatAssistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.Tool != nil {
		params.Tools = []anthropic.ToolUnionParam{buildTool(req.Tool)}
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.Tool.Name)
	}
	return params
}

func buildTool(t *ports.Tool) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
	if props, ok := t.Parameters["properties"]; ok {
		schema.Properties = props
	}
	switch req := t.Parameters["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
	if t.Description != "" {
		tool.OfTool.Description = anthropic.String(t.Description)
	}
	return tool
}

func decodeInput(input any) (map[string]any, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, errors.Join(domain.ErrUnexpectedResponseFormat, err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errors.Join(domain.ErrUnexpectedResponseFormat, fmt.Errorf("tool input: %w", err))
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func toUsage(in, out int64) domain.Usage {
	return domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}
