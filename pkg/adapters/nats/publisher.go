// Package nats publishes engine lifecycle events to NATS subjects:
//
//	<prefix>.step.started.<agent_id>
//	<prefix>.step.finished.<agent_id>
//	<prefix>.llm.called
//
// Payloads are JSON encoded events with an "error" field on failures.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/aretw0/parley/internal/logging"
	"github.com/aretw0/parley/pkg/domain"
)

// Conn is the subset of *nats.Conn used by the Publisher.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher turns lifecycle hooks into NATS messages. Publishing failures
// are logged and never interrupt a conversation.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates a publisher on an existing connection.
func NewPublisher(conn Conn, prefix string, opts ...Option) *Publisher {
	if prefix == "" {
		prefix = "parley"
	}
	p := &Publisher{conn: conn, prefix: prefix, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials the server at url.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("parley"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// Hooks returns lifecycle hooks publishing through p.
func (p *Publisher) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStepStart: func(ctx context.Context, e *domain.StepEvent) {
			p.publish(p.subject("step.started", e.AgentID), stepMessage{StepEvent: e, Error: errString(e.Err)})
		},
		OnStepFinish: func(ctx context.Context, e *domain.StepEvent) {
			p.publish(p.subject("step.finished", e.AgentID), stepMessage{StepEvent: e, Error: errString(e.Err)})
		},
		OnLLMCall: func(ctx context.Context, e *domain.LLMEvent) {
			p.publish(p.subject("llm.called", ""), llmMessage{LLMEvent: e, Error: errString(e.Err)})
		},
	}
}

type stepMessage struct {
	*domain.StepEvent
	Error string `json:"error,omitempty"`
}

type llmMessage struct {
	*domain.LLMEvent
	Error string `json:"error,omitempty"`
}

func (p *Publisher) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("failed to encode event", "subject", subject, "err", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "err", err)
	}
}

func (p *Publisher) subject(kind, agentID string) string {
	if agentID == "" {
		return p.prefix + "." + kind
	}
	return p.prefix + "." + kind + "." + token(agentID)
}

// token makes s usable as a single subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
