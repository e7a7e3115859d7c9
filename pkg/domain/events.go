package domain

import (
	"context"
	"time"
)

// EventType defines the category of a chat event.
type EventType string

const (
	EventHistory         EventType = "history"
	EventTyping          EventType = "typing"
	EventHold            EventType = "hold"
	EventChat            EventType = "chat"
	EventConversationEnd EventType = "conversation_end"
	EventError           EventType = "error"
)

// Event is emitted by a chat turn.
type Event struct {
	Type    EventType     `json:"type"`
	StepID  string        `json:"step_id,omitempty"`
	History []MemoryEntry `json:"history,omitempty"`
	Chunk   *Chunk        `json:"chunk,omitempty"`
	Err     error         `json:"-"`
}

// Chunk is an incremental piece of an assistant message.
// Text holds only the suffix produced since the previous chunk.
type Chunk struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Audio     []byte `json:"audio,omitempty"`
	Final     bool   `json:"final"`
}

// StepEvent describes a step boundary.
type StepEvent struct {
	Timestamp      time.Time     `json:"timestamp"`
	ConversationID string        `json:"conversation_id"`
	AgentID        string        `json:"agent_id"`
	StepID         string        `json:"step_id"`
	Kind           string        `json:"kind"`
	Status         StepStatus    `json:"status,omitempty"`
	Skipped        bool          `json:"skipped,omitempty"`
	Duration       time.Duration `json:"duration,omitempty"`
	Err            error         `json:"-"`
}

// LLMEvent describes one provider call.
type LLMEvent struct {
	Timestamp      time.Time     `json:"timestamp"`
	ConversationID string        `json:"conversation_id"`
	StepID         string        `json:"step_id"`
	Model          string        `json:"model"`
	Streaming      bool          `json:"streaming"`
	Usage          Usage         `json:"usage"`
	Duration       time.Duration `json:"duration"`
	Err            error         `json:"-"`
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnStepStart  func(context.Context, *StepEvent)
	OnStepFinish func(context.Context, *StepEvent)
	OnLLMCall    func(context.Context, *LLMEvent)
}

// Merge returns hooks calling h first and then o.
func (h LifecycleHooks) Merge(o LifecycleHooks) LifecycleHooks {
	return LifecycleHooks{
		OnStepStart:  chain(h.OnStepStart, o.OnStepStart),
		OnStepFinish: chain(h.OnStepFinish, o.OnStepFinish),
		OnLLMCall:    chain(h.OnLLMCall, o.OnLLMCall),
	}
}

func chain[E any](a, b func(context.Context, E)) func(context.Context, E) {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return func(ctx context.Context, e E) {
		a(ctx, e)
		b(ctx, e)
	}
}

// StepStarted fires OnStepStart if set.
func (h LifecycleHooks) StepStarted(ctx context.Context, e *StepEvent) {
	if h.OnStepStart != nil {
		h.OnStepStart(ctx, e)
	}
}

// StepFinished fires OnStepFinish if set.
func (h LifecycleHooks) StepFinished(ctx context.Context, e *StepEvent) {
	if h.OnStepFinish != nil {
		h.OnStepFinish(ctx, e)
	}
}

// LLMCalled fires OnLLMCall if set.
func (h LifecycleHooks) LLMCalled(ctx context.Context, e *LLMEvent) {
	if h.OnLLMCall != nil {
		h.OnLLMCall(ctx, e)
	}
}
