// Package llm assembles prompts from scoped slots and conversation memory and
// invokes the configured provider with bounded retries.
package llm

import (
	"github.com/aretw0/parley/internal/slots"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Config is the immutable per-step LLM configuration.
type Config struct {
	Prefix      domain.Template
	Prompts     []domain.Template
	Model       string
	Temperature *float64
	MaxTokens   int

	// Slots are injected as known values even when no template references them.
	Slots []domain.SlotPath

	// MemoryFilter restricts history to these origin steps. Nil means all.
	MemoryFilter []string
	// MemoryLimit keeps the most recent entries. Zero means all.
	MemoryLimit int

	// Tool forces a structured reply. Never combined with streaming.
	Tool *ports.Tool
}

// Call carries the per-invocation inputs.
type Call struct {
	StepID string
	Slots  *slots.Resolver
	// Partial is a reply interrupted in an earlier turn, to be continued.
	Partial string
}

// Result is a completed reply.
type Result struct {
	Text      string
	Arguments map[string]any
	Usage     domain.Usage
}
