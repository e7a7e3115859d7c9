// Package mcp exposes a parley Engine as a Model Context Protocol server.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
)

// AgentsURI is the resource listing the available agents.
const AgentsURI = "parley://agents"

// Engine is the part of *parley.Engine exposed over MCP.
type Engine interface {
	Chat(ctx context.Context, req parley.ChatRequest) iter.Seq[domain.Event]
	Agents(ctx context.Context) ([]string, error)
	State(ctx context.Context, conversationID string) (*domain.ConversationState, error)
	History(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error)
}

// ChatArgs are the arguments of the chat tool.
type ChatArgs struct {
	AgentID        string `json:"agent_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Message        string `json:"message"`
}

// Message is one assistant message produced during a turn.
type Message struct {
	StepID string `json:"step_id"`
	Text   string `json:"text"`
}

// ChatResponse is the structured result of the chat tool.
type ChatResponse struct {
	Messages []Message `json:"messages" jsonschema_description:"Assistant messages produced during the turn, in order"`
	// Waiting is the step holding for the next user message, if any.
	Waiting string `json:"waiting,omitempty" jsonschema_description:"Step waiting for the next user message"`
	Ended   bool   `json:"ended" jsonschema_description:"Indicates the conversation has finished"`
}

// Server wraps the Engine and exposes it as an MCP Server.
type Server struct {
	engine    Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a new MCP Server instance.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:    engine,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("parley-mcp", strings.TrimSpace(parley.Version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the SSE transport on addr until ctx is done.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	chatTool := mcp.NewTool("chat",
		mcp.WithDescription("Send a message to an agent and run the conversation until it waits for input or ends."),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent to talk to")),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation to resume or start")),
		mcp.WithString("user_id", mcp.Description("User owning the conversation")),
		mcp.WithString("message", mcp.Description("User message; empty to just advance the conversation")),
		mcp.WithOutputSchema[ChatResponse](),
	)
	s.mcpServer.AddTool(chatTool, mcp.NewStructuredToolHandler(s.handleChat))

	s.mcpServer.AddTool(mcp.NewTool("list_agents",
		mcp.WithDescription("List the available agents."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids, err := s.engine.Agents(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		jsonBytes, _ := json.Marshal(ids)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("get_history",
		mcp.WithDescription("Get the stored messages of a conversation."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
	), s.handleHistory)

	s.mcpServer.AddTool(mcp.NewTool("get_state",
		mcp.WithDescription("Get the current step and status of a conversation."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation ID")),
	), s.handleState)
}

func (s *Server) handleChat(ctx context.Context, _ mcp.CallToolRequest, args ChatArgs) (ChatResponse, error) {
	if args.AgentID == "" || args.ConversationID == "" {
		return ChatResponse{}, errors.New("agent_id and conversation_id are required")
	}

	req := parley.ChatRequest{
		AgentID: args.AgentID,
		Identity: domain.Identity{
			UserID:         args.UserID,
			ConversationID: args.ConversationID,
		},
		Message: args.Message,
	}

	var (
		resp  = ChatResponse{Messages: []Message{}}
		index = map[string]int{}
	)
	for ev := range s.engine.Chat(ctx, req) {
		switch ev.Type {
		case domain.EventChat:
			if ev.Chunk == nil {
				continue
			}
			i, ok := index[ev.Chunk.MessageID]
			if !ok {
				i = len(resp.Messages)
				index[ev.Chunk.MessageID] = i
				resp.Messages = append(resp.Messages, Message{StepID: ev.StepID})
			}
			resp.Messages[i].Text += ev.Chunk.Text
		case domain.EventHold:
			resp.Waiting = ev.StepID
		case domain.EventConversationEnd:
			resp.Ended = true
		case domain.EventError:
			s.logger.Warn("MCP chat turn failed", "agent", args.AgentID, "conversation", args.ConversationID, "err", ev.Err)
			return ChatResponse{}, fmt.Errorf("chat failed: %w", ev.Err)
		}
	}
	return resp, nil
}

func (s *Server) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := s.engine.History(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history failed: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(entries)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	state, err := s.engine.State(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return mcp.NewToolResultError("conversation not found"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("state failed: %v", err)), nil
	}
	jsonBytes, _ := json.Marshal(state)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(AgentsURI, "Available agents",
		mcp.WithMIMEType("application/json"),
	), s.readAgents)
}

func (s *Server) readAgents(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	ids, err := s.engine.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	jsonBytes, _ := json.Marshal(ids)
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      AgentsURI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}
