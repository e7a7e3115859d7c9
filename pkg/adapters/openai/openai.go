// Package openai adapts the OpenAI Chat Completions and Speech APIs to the
// parley provider and synthesizer ports.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when neither the request nor the provider names one.
const DefaultModel = openai.ChatModelGPT4oMini

// Provider implements ports.LLMProvider and ports.Synthesizer.
type Provider struct {
	client *openai.Client
	model  string
}

// Option configures the Provider.
type Option func(*config)

type config struct {
	model       string
	requestOpts []option.RequestOption
}

// WithModel sets the fallback chat model.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.requestOpts = append(c.requestOpts, option.WithBaseURL(url)) }
}

// WithRequestOptions passes raw SDK options to the client.
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(c *config) { c.requestOpts = append(c.requestOpts, opts...) }
}

// New creates a provider authenticated with apiKey.
// An empty key falls back to the OPENAI_API_KEY environment variable.
func New(apiKey string, opts ...Option) *Provider {
	cfg := &config{model: DefaultModel}
	for _, opt := range opts {
		opt(cfg)
	}
	reqOpts := cfg.requestOpts
	if apiKey != "" {
		reqOpts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, reqOpts...)
	}
	client := openai.NewClient(reqOpts...)
	return NewFromClient(&client, cfg.model)
}

// NewFromClient wraps an existing SDK client.
func NewFromClient(client *openai.Client, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model}
}

// Complete implements ports.LLMProvider.
func (p *Provider) Complete(ctx context.Context, req ports.ChatRequest) (*ports.ChatResponse, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", domain.ErrUnexpectedResponseFormat)
	}
	msg := resp.Choices[0].Message
	out := &ports.ChatResponse{
		Text:  msg.Content,
		Usage: toUsage(resp.Usage),
	}
	if req.Tool != nil {
		for _, tc := range msg.ToolCalls {
			if tc.Function.Name != req.Tool.Name {
				continue
			}
			args, err := decodeArguments(tc.Function.Arguments)
			if err != nil {
				return nil, err
			}
			out.Arguments = args
			break
		}
	}
	return out, nil
}

// Stream implements ports.LLMProvider. Usage arrives on the last chunk.
func (p *Provider) Stream(ctx context.Context, req ports.ChatRequest) (<-chan ports.StreamChunk, error) {
	params := p.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

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
		var usage *domain.Usage
		for stream.Next() {
			ck := stream.Current()
			if ck.Usage.TotalTokens > 0 {
				u := toUsage(ck.Usage)
				usage = &u
			}
			for _, ch := range ck.Choices {
				if ch.Delta.Content == "" {
					continue
				}
				if !send(ports.StreamChunk{Text: ch.Delta.Content}) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			send(ports.StreamChunk{Err: fmt.Errorf("openai streaming error: %w", err)})
			return
		}
		if usage != nil {
			send(ports.StreamChunk{Usage: usage})
		}
	}()
	return out, nil
}

func (p *Provider) params(req ports.ChatRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = p.model
	}
	params := openai.ChatCompletionNewParams{
		Messages: buildMessages(req.Messages),
		Model:    openai.ChatModel(model),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Tool != nil {
		params.Tools = []openai.ChatCompletionToolParam{{
			Function: openai.FunctionDefinitionParam{
				Name:        req.Tool.Name,
				Description: openai.String(req.Tool.Description),
				Parameters:  req.Tool.Parameters,
			},
		}}
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.Tool.Name},
			},
		}
	}
	return params
}

func buildMessages(in []ports.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case ports.ChatSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case ports.ChatAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return messages
}

func decodeArguments(raw string) (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, errors.Join(domain.ErrUnexpectedResponseFormat, fmt.Errorf("tool arguments: %w", err))
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func toUsage(u openai.CompletionUsage) domain.Usage {
	return domain.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
