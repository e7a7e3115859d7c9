package openai_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aretw0/parley/pkg/adapters/openai"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider(t *testing.T, h http.HandlerFunc) *openai.Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return openai.New("test-key",
		openai.WithBaseURL(srv.URL+"/v1/"),
		openai.WithModel("gpt-test"),
		openai.WithRequestOptions(option.WithMaxRetries(0)),
	)
}

// recorder captures request bodies across the server goroutine.
type recorder struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (rec *recorder) decode(t *testing.T, r *http.Request) map[string]any {
	var body map[string]any
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	rec.mu.Lock()
	rec.bodies = append(rec.bodies, body)
	rec.mu.Unlock()
	return body
}

func (rec *recorder) last() map[string]any {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bodies[len(rec.bodies)-1]
}

func TestComplete_Text(t *testing.T) {
	var rec recorder
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		rec.decode(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","created":0,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi Ana"}}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	})

	temp := 0.2
	resp, err := p.Complete(context.Background(), ports.ChatRequest{
		Messages: []ports.ChatMessage{
			{Role: ports.ChatSystem, Content: "be nice"},
			{Role: ports.ChatUser, Content: "hello"},
		},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ana", resp.Text)
	assert.Equal(t, domain.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, resp.Usage)

	body := rec.last()
	assert.Equal(t, "gpt-test", body["model"], "provider model is the fallback")
	assert.InDelta(t, 0.2, body["temperature"], 0.0001)
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestComplete_ForcedTool(t *testing.T) {
	var rec recorder
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		rec.decode(t, r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","created":0,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"extract","arguments":"{\"name\":\"Ana\"}"}}]}}],
			"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
	})

	resp, err := p.Complete(context.Background(), ports.ChatRequest{
		Model:    "gpt-other",
		Messages: []ports.ChatMessage{{Role: ports.ChatUser, Content: "I am Ana"}},
		Tool: &ports.Tool{
			Name:       "extract",
			Parameters: map[string]any{"type": "object", "properties": map[string]any{"name": map[string]any{"type": "string"}}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Ana"}, resp.Arguments)
	body := rec.last()
	assert.Equal(t, "gpt-other", body["model"])

	choice := body["tool_choice"].(map[string]any)
	assert.Equal(t, "extract", choice["function"].(map[string]any)["name"])
	require.Len(t, body["tools"], 1)
}

func TestComplete_BadToolArguments(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","created":0,"model":"gpt-test",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"extract","arguments":"{not json"}}]}}]}`)
	})

	_, err := p.Complete(context.Background(), ports.ChatRequest{
		Messages: []ports.ChatMessage{{Role: ports.ChatUser, Content: "x"}},
		Tool:     &ports.Tool{Name: "extract", Parameters: map[string]any{"type": "object"}},
	})
	assert.ErrorIs(t, err, domain.ErrUnexpectedResponseFormat)
}

func TestComplete_APIError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad","type":"invalid_request_error"}}`)
	})
	_, err := p.Complete(context.Background(), ports.ChatRequest{Messages: []ports.ChatMessage{{Role: ports.ChatUser, Content: "x"}}})
	assert.Error(t, err)
}

func TestStream(t *testing.T) {
	var rec recorder
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		rec.decode(t, r)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Once ", "upon ", "a time."} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":0,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":0,\"model\":\"gpt-test\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":3,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
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
	assert.Equal(t, int64(7), usage.TotalTokens)
	body := rec.last()
	assert.Equal(t, true, body["stream"])
}

func TestSynthesize(t *testing.T) {
	var rec recorder
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/audio/speech"))
		body := rec.decode(t, r)
		assert.Equal(t, "alloy", body["voice"])
		input, _ := body["input"].(string)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte(strings.Repeat("a", len(input))))
	})

	text := make(chan string)
	audio, err := p.Synthesize(context.Background(), domain.VoiceConfig{Voice: "alloy"}, text)
	require.NoError(t, err)

	go func() {
		defer close(text)
		for _, s := range []string{"Hello ", "there. ", "How are", " you"} {
			text <- s
		}
	}()

	var total int
	for c := range audio {
		require.NoError(t, c.Err)
		total += len(c.Data)
	}
	rec.mu.Lock()
	var inputs []string
	for _, b := range rec.bodies {
		inputs = append(inputs, b["input"].(string))
	}
	rec.mu.Unlock()
	assert.Equal(t, []string{"Hello there.", " How are you"}, inputs)
	assert.Equal(t, len("Hello there.")+len(" How are you"), total)
}

func TestSynthesize_RequiresVoice(t *testing.T) {
	p := openai.New("k")
	_, err := p.Synthesize(context.Background(), domain.VoiceConfig{}, make(chan string))
	assert.Error(t, err)
}
