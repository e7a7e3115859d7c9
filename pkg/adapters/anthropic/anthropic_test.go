package anthropic_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aretw0/parley/pkg/adapters/anthropic"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capture struct {
	mu   sync.Mutex
	body map[string]any
}

func (c *capture) set(t *testing.T, r *http.Request) {
	var body map[string]any
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	c.mu.Lock()
	c.body = body
	c.mu.Unlock()
}

func (c *capture) get() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body
}

func newProvider(t *testing.T, h http.HandlerFunc) *anthropic.Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return anthropic.New("test-key",
		anthropic.WithBaseURL(srv.URL),
		anthropic.WithModel("claude-test"),
		anthropic.WithRequestOptions(option.WithMaxRetries(0)),
	)
}

func TestComplete(t *testing.T) {
	var c capture
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		c.set(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Hi "},{"type":"text","text":"Ana"}],
			"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":2}}`)
	})

	resp, err := p.Complete(context.Background(), ports.ChatRequest{
		Messages: []ports.ChatMessage{
			{Role: ports.ChatSystem, Content: "be nice"},
			{Role: ports.ChatUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana", resp.Text)
	assert.Equal(t, domain.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}, resp.Usage)

	body := c.get()
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, anthropic.DefaultMaxTokens, body["max_tokens"])
	system := body["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "be nice", system[0].(map[string]any)["text"])
	assert.Len(t, body["messages"], 1, "system prompts do not become messages")
}

func TestComplete_ForcedTool(t *testing.T) {
	var c capture
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		c.set(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"tool_use","id":"t1","name":"extract","input":{"name":"Ana","age":9}}],
			"stop_reason":"tool_use","usage":{"input_tokens":5,"output_tokens":2}}`)
	})

	resp, err := p.Complete(context.Background(), ports.ChatRequest{
		Messages: []ports.ChatMessage{{Role: ports.ChatUser, Content: "I am Ana, 9"}},
		Tool: &ports.Tool{
			Name:        "extract",
			Description: "Extract slots",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"name": map[string]any{"type": "string"}},
				"required":   []any{"name"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ana", "age": float64(9)}, resp.Arguments)

	body := c.get()
	choice := body["tool_choice"].(map[string]any)
	assert.Equal(t, "tool", choice["type"])
	assert.Equal(t, "extract", choice["name"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "Extract slots", tools[0].(map[string]any)["description"])
}

func TestStream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"usage":{"input_tokens":5,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Once "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"upon a time."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":4}}`,
		`{"type":"message_stop"}`,
	}
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			var head struct{ Type string }
			_ = json.Unmarshal([]byte(e), &head)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", head.Type, e)
		}
	})

	ch, err := p.Stream(context.Background(), ports.ChatRequest{Messages: []ports.ChatMessage{{Role: ports.ChatUser, Content: "tell"}}})
	require.NoError(t, err)

	var text strings.Builder
	var usage *domain.Usage
	for c := range ch {
		require.NoError(t, c.Err)
		text.WriteString(c.Text)
		if c.Usage != nil {
			usage = c.Usage
		}
	}
	assert.Equal(t, "Once upon a time.", text.String())
	require.NotNil(t, usage)
	assert.Equal(t, domain.Usage{PromptTokens: 5, CompletionTokens: 4, TotalTokens: 9}, *usage)
}

func TestComplete_APIError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`)
	})
	_, err := p.Complete(context.Background(), ports.ChatRequest{Messages: []ports.ChatMessage{{Role: ports.ChatUser, Content: "x"}}})
	assert.Error(t, err)
}
