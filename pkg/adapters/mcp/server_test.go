package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/testutils"
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

func newServer(t *testing.T) *Server {
	t.Helper()
	eng, err := parley.New(
		parley.WithLoader(memory.NewLoader(map[string]string{"greeter": greeter})),
		parley.WithProvider(&testutils.FakeProvider{Reply: "Hi there."}),
	)
	require.NoError(t, err)
	return NewServer(eng)
}

func toolRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestChatTool_RunsTurns(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	args := ChatArgs{AgentID: "greeter", ConversationID: "c1", UserID: "u1"}

	resp, err := s.handleChat(ctx, mcp.CallToolRequest{}, args)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "greet", resp.Messages[0].StepID)
	assert.Equal(t, "Hi there.", resp.Messages[0].Text)
	assert.Equal(t, "greet", resp.Waiting)
	assert.False(t, resp.Ended)

	args.Message = "hello"
	resp, err = s.handleChat(ctx, mcp.CallToolRequest{}, args)
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "bye", resp.Messages[0].StepID)
	assert.Empty(t, resp.Waiting)
	assert.True(t, resp.Ended)
}

func TestChatTool_Errors(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	_, err := s.handleChat(ctx, mcp.CallToolRequest{}, ChatArgs{AgentID: "greeter"})
	assert.Error(t, err)

	_, err = s.handleChat(ctx, mcp.CallToolRequest{}, ChatArgs{AgentID: "ghost", ConversationID: "c1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestStateAndHistoryTools(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()

	res, err := s.handleState(ctx, toolRequest("get_state", map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = s.handleChat(ctx, mcp.CallToolRequest{}, ChatArgs{AgentID: "greeter", ConversationID: "c1"})
	require.NoError(t, err)

	res, err = s.handleState(ctx, toolRequest("get_state", map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	var state domain.ConversationState
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &state))
	assert.Equal(t, "greet", state.CurrentStepID)
	assert.Equal(t, domain.StatusWaitingForInput, state.Status)

	res, err = s.handleHistory(ctx, toolRequest("get_history", map[string]any{"conversation_id": "c1"}))
	require.NoError(t, err)
	var entries []domain.MemoryEntry
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Hi there.", entries[0].Content)

	res, err = s.handleHistory(ctx, toolRequest("get_history", nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestAgentsResource(t *testing.T) {
	s := newServer(t)

	contents, err := s.readAgents(context.Background(), mcp.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcp.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, AgentsURI, text.URI)
	assert.JSONEq(t, `["greeter"]`, text.Text)
}
