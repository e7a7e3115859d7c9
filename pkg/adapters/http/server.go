// Package http exposes a parley Engine over HTTP. Chat turns are streamed
// as Server-Sent Events; observers can follow a conversation on its events
// endpoint.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aretw0/parley"
	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
)

// Engine is the part of *parley.Engine served over HTTP.
type Engine interface {
	Chat(ctx context.Context, req parley.ChatRequest) iter.Seq[domain.Event]
	Agents(ctx context.Context) ([]string, error)
	Validate(ctx context.Context, agentID string) error
	State(ctx context.Context, conversationID string) (*domain.ConversationState, error)
	History(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error)
	Usage(ctx context.Context, userID string) (domain.Usage, error)
	Reset(ctx context.Context, conversationID string) error
}

// Server holds the handlers.
type Server struct {
	Engine  Engine
	Streams *StreamManager
	logger  *slog.Logger
	metrics http.Handler
}

// Option configures the handler.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// ChatBody is the payload of a chat request.
type ChatBody struct {
	UserID    string `json:"user_id"`
	ModuleID  string `json:"module_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	History   bool   `json:"history"`
	Voice     bool   `json:"voice"`
}

// EventPayload is the data of a streamed chat event.
type EventPayload struct {
	domain.Event
	Error string `json:"error,omitempty"`
}

// NewHandler creates a new HTTP handler for the engine.
func NewHandler(engine Engine, opts ...Option) http.Handler {
	s := &Server{
		Engine:  engine,
		Streams: NewStreamManager(),
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(enableCORS)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Get("/agents", s.ListAgents)
	r.Post("/agents/{agentID}/validate", s.ValidateAgent)
	r.Post("/agents/{agentID}/conversations/{conversationID}/chat", s.Chat)

	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/state", s.GetState)
		r.Get("/history", s.GetHistory)
		r.Get("/events", s.SubscribeEvents)
		r.Delete("/", s.ResetConversation)
	})
	r.Get("/users/{userID}/usage", s.GetUsage)
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Custom-Header")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     "parley-http",
		"version": strings.TrimSpace(parley.Version),
	})
}

// ListAgents handles GET /agents.
func (s *Server) ListAgents(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Engine.Agents(r.Context())
	if err != nil {
		s.fail(w, "ListAgents", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"agents": ids})
}

// ValidateAgent handles POST /agents/{agentID}/validate.
func (s *Server) ValidateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := s.Engine.Validate(r.Context(), agentID); err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			s.fail(w, "ValidateAgent", err)
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

// Chat handles POST /agents/{agentID}/conversations/{conversationID}/chat.
// The response is a stream of SSE events named after the event type.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("Chat: Streaming not supported")
		return
	}

	var body ChatBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		s.logger.Warn("Chat: Invalid request body", "err", err)
		return
	}
	if body.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	message, err := parley.SanitizeInput(body.Message)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid input: %v", err), http.StatusBadRequest)
		s.logger.Warn("Chat: Input rejected", "err", err, "size", len(body.Message))
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	req := parley.ChatRequest{
		AgentID: chi.URLParam(r, "agentID"),
		Identity: domain.Identity{
			UserID:         body.UserID,
			ModuleID:       body.ModuleID,
			SessionID:      body.SessionID,
			ConversationID: conversationID,
		},
		Message: message,
		History: body.History,
		Voice:   body.Voice,
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range s.Engine.Chat(r.Context(), req) {
		data, err := encodeEvent(ev)
		if err != nil {
			s.logger.Error("Chat: event encode failed", "err", err)
			continue
		}
		s.Streams.Broadcast(conversationID, string(data))
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			s.logger.Info("Chat: client disconnected", "conversation_id", conversationID)
			return
		}
		flusher.Flush()
	}
}

// GetState handles GET /conversations/{conversationID}/state.
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := s.Engine.State(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.fail(w, "GetState", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetHistory handles GET /conversations/{conversationID}/history.
func (s *Server) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Engine.History(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		s.fail(w, "GetHistory", err)
		return
	}
	if entries == nil {
		entries = []domain.MemoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ResetConversation handles DELETE /conversations/{conversationID}.
func (s *Server) ResetConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.Reset(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		s.fail(w, "ResetConversation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetUsage handles GET /users/{userID}/usage.
func (s *Server) GetUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.Engine.Usage(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, "GetUsage", err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// SubscribeEvents handles GET /conversations/{conversationID}/events (SSE).
// Subscribers receive the events of every chat turn of the conversation.
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	conversationID := chi.URLParam(r, "conversationID")
	ch, cancel := s.Streams.Subscribe(conversationID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()
	s.logger.Info("SSE: Subscribing to conversation", "conversation_id", conversationID)

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE Client Disconnected", "conversation_id", conversationID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAgentNotFound), errors.Is(err, domain.ErrConversationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func encodeEvent(ev domain.Event) ([]byte, error) {
	p := EventPayload{Event: ev}
	if ev.Err != nil {
		p.Error = ev.Err.Error()
	}
	return json.Marshal(p)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
