package http_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/testutils"
	httpadapter "github.com/aretw0/parley/pkg/adapters/http"
	"github.com/aretw0/parley/pkg/adapters/memory"
	"github.com/aretw0/parley/pkg/domain"
)

const greeter = `
version: 1
id: greeter
constants:
  PREFIX: "Be brief."
steps:
  - {type: message, id: greet, prompts: ["Greet the user"], wait_for_input: true}
  - {type: message, id: bye, prompts: ["Say goodbye"]}
`

const broken = `
version: 1
id: broken
constants:
  PREFIX: "x"
steps:
  - {type: goto, id: jump, target: 'goto:nowhere'}
`

func newHandler(t *testing.T, opts ...httpadapter.Option) http.Handler {
	t.Helper()
	eng, err := parley.New(
		parley.WithLoader(memory.NewLoader(map[string]string{"greeter": greeter, "broken": broken})),
		parley.WithProvider(&testutils.FakeProvider{Reply: "Hi there."}),
	)
	require.NoError(t, err)
	return httpadapter.NewHandler(eng, opts...)
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// sseEvents returns the event names of an SSE body, in order.
func sseEvents(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestHealthAndInfo(t *testing.T) {
	h := newHandler(t)

	rec := do(h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(h, "GET", "/info", "")
	var info map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "parley-http", info["app"])
	assert.Equal(t, strings.TrimSpace(parley.Version), info["version"])
}

func TestChat_StreamsTurn(t *testing.T) {
	h := newHandler(t)

	rec := do(h, "POST", "/agents/greeter/conversations/c1/chat", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"typing", "chat", "hold"}, sseEvents(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), `"text":"Hi there."`)

	rec = do(h, "GET", "/conversations/c1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.ConversationState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "greet", state.CurrentStepID)
	assert.Equal(t, domain.StatusWaitingForInput, state.Status)

	rec = do(h, "POST", "/agents/greeter/conversations/c1/chat", `{"user_id":"u1","message":"hello","history":true}`)
	assert.Equal(t, []string{"history", "typing", "chat", "conversation_end"}, sseEvents(rec.Body.String()))

	rec = do(h, "GET", "/conversations/c1/history", "")
	var history struct{ History []domain.MemoryEntry }
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history.History, 3)
	assert.Equal(t, domain.RoleUser, history.History[1].Role)
	assert.Equal(t, "hello", history.History[1].Content)

	rec = do(h, "DELETE", "/conversations/c1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, "GET", "/conversations/c1/state", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_BadRequests(t *testing.T) {
	h := newHandler(t)

	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/agents/greeter/conversations/c1/chat", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/agents/greeter/conversations/c1/chat", `{"message":"hi"}`).Code)

	t.Setenv(parley.EnvMaxInputSize, "4")
	assert.Equal(t, http.StatusBadRequest, do(h, "POST", "/agents/greeter/conversations/c1/chat", `{"user_id":"u1","message":"too long"}`).Code)
}

func TestChat_UnknownAgentStreamsError(t *testing.T) {
	h := newHandler(t)
	rec := do(h, "POST", "/agents/missing/conversations/c1/chat", `{"user_id":"u1"}`)
	assert.Equal(t, []string{"error"}, sseEvents(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), "agent not found")
}

func TestAgentsAndValidate(t *testing.T) {
	h := newHandler(t)

	rec := do(h, "GET", "/agents", "")
	assert.JSONEq(t, `{"agents":["broken","greeter"]}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, do(h, "POST", "/agents/greeter/validate", "").Code)
	assert.Equal(t, http.StatusUnprocessableEntity, do(h, "POST", "/agents/broken/validate", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, "POST", "/agents/missing/validate", "").Code)
}

func TestUsage(t *testing.T) {
	h := newHandler(t)
	do(h, "POST", "/agents/greeter/conversations/c1/chat", `{"user_id":"u1"}`)

	rec := do(h, "GET", "/users/u1/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage domain.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Positive(t, usage.TotalTokens)
}

func TestMetricsMount(t *testing.T) {
	h := newHandler(t, httpadapter.WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})))
	assert.Equal(t, "metrics", do(h, "GET", "/metrics", "").Body.String())
	assert.Equal(t, http.StatusNotFound, do(newHandler(t), "GET", "/metrics", "").Code)
}

func TestSubscribeEvents_ReceivesChatTurn(t *testing.T) {
	srv := httptest.NewServer(newHandler(t))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/conversations/c9/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, "event: ping", lines.Text())
	require.True(t, lines.Scan())
	assert.Equal(t, "data: connected", lines.Text())

	chat, err := http.Post(srv.URL+"/agents/greeter/conversations/c9/chat", "application/json", strings.NewReader(`{"user_id":"u1"}`))
	require.NoError(t, err)
	chat.Body.Close()

	var types []string
	for lines.Scan() && len(types) < 3 {
		data, ok := strings.CutPrefix(lines.Text(), "data: ")
		if !ok {
			continue
		}
		var ev struct{ Type string }
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"typing", "chat", "hold"}, types)
}

func TestStreamManager(t *testing.T) {
	sm := httpadapter.NewStreamManager()
	ch, cancel := sm.Subscribe("c1")
	assert.Equal(t, 1, sm.Subscribers("c1"))

	sm.Broadcast("c1", "a")
	sm.Broadcast("c2", "b")
	assert.Equal(t, "a", <-ch)

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, sm.Subscribers("c1"))
}
