// Package definition decodes declarative agent definitions.
//
// An agent definition is a version-tagged YAML document holding a step tree,
// a constants map, a slot-preload list and the document scopes available to
// retrieval steps. Parse validates the shape of the document; reference
// checks (goto targets, constants) are left to the compiler.
package definition

import "github.com/aretw0/parley/pkg/domain"

// Version is the only supported definition version.
const Version = 1

// Kind names a step type.
type Kind string

const (
	KindMessage    Kind = "message"
	KindValidator  Kind = "validator"
	KindExtractor  Kind = "extractor"
	KindSummarizer Kind = "summarizer"
	KindVectorDB   Kind = "vector_db"
	KindAPICall    Kind = "api_call"
	KindSSECall    Kind = "sse_call"
	KindSetSlot    Kind = "set_slot"
	KindCounter    Kind = "counter"
	KindGoto       Kind = "goto"
	KindChain      Kind = "chain"
	KindCombined   Kind = "combined"
)

// Agent is a decoded agent definition.
type Agent struct {
	Version   int                 `mapstructure:"version"`
	ID        string              `mapstructure:"id"`
	Constants map[string]any      `mapstructure:"constants"`
	Preload   []domain.SlotPath   `mapstructure:"preload"`
	Documents domain.Documents    `mapstructure:"documents"`
	Voice     *domain.VoiceConfig `mapstructure:"voice"`
	Steps     []Step              `mapstructure:"-"`
}

// Step is a node of the step tree. The concrete type is one of the *Step
// structs of this package.
type Step interface {
	base() *Base
}

// Base holds the fields shared by every step.
type Base struct {
	Type       Kind               `mapstructure:"type"`
	ID         string             `mapstructure:"id"`
	Conditions []domain.Condition `mapstructure:"conditions"`
}

func (b *Base) base() *Base { return b }

// BaseOf returns the shared fields of a step.
func BaseOf(s Step) *Base { return s.base() }

// Memory configures which history an LLM step sees.
type Memory struct {
	// Selectors are "all", "current" or "from:<step id>".
	Selectors []string `mapstructure:"selectors"`
	Limit     int      `mapstructure:"limit"`
}

// LLM holds the fields shared by LLM-backed steps.
type LLM struct {
	Prompts     []string          `mapstructure:"prompts"`
	Model       string            `mapstructure:"model"`
	Temperature *float64          `mapstructure:"temperature"`
	SkipPrefix  bool              `mapstructure:"skip_prefix"`
	Preamble    string            `mapstructure:"preamble"`
	Slots       []domain.SlotPath `mapstructure:"slots"`
	Memory      Memory            `mapstructure:"memory"`
}

// MessageStep streams an LLM reply to the user.
type MessageStep struct {
	Base         `mapstructure:",squash"`
	LLM          `mapstructure:",squash"`
	WaitForInput bool             `mapstructure:"wait_for_input"`
	SaveTo       *domain.SlotPath `mapstructure:"save_to"`
}

// Goal is one boolean decision requested from a validator.
type Goal struct {
	Name        string       `mapstructure:"name"`
	Description string       `mapstructure:"description"`
	Scope       domain.Scope `mapstructure:"scope"`
}

// ValidatorStep asks the LLM to decide a set of boolean goals.
type ValidatorStep struct {
	Base      `mapstructure:",squash"`
	LLM       `mapstructure:",squash"`
	Mode      string      `mapstructure:"mode"` // all | any
	Goals     []Goal      `mapstructure:"goals"`
	OnSuccess domain.Flow `mapstructure:"on_success"`
	OnFail    domain.Flow `mapstructure:"on_fail"`
}

// Field is one value requested from an extractor.
type Field struct {
	Name        string           `mapstructure:"name"`
	Type        string           `mapstructure:"type"` // string | number | integer | boolean
	Description string           `mapstructure:"description"`
	Slot        *domain.SlotPath `mapstructure:"slot"`
}

// ExtractorStep asks the LLM to extract typed values from the conversation.
type ExtractorStep struct {
	Base      `mapstructure:",squash"`
	LLM       `mapstructure:",squash"`
	Fields    []Field     `mapstructure:"fields"`
	OnSuccess domain.Flow `mapstructure:"on_success"`
	OnFail    domain.Flow `mapstructure:"on_fail"`
}

// SummarizerStep keeps a running summary in a slot.
type SummarizerStep struct {
	Base `mapstructure:",squash"`
	LLM  `mapstructure:",squash"`
	Slot domain.SlotPath `mapstructure:"slot"`
	Mode string          `mapstructure:"mode"` // replace | append
}

// VectorDBStep retrieves context for a query slot.
type VectorDBStep struct {
	Base   `mapstructure:",squash"`
	Source domain.SlotPath `mapstructure:"source"`
	Limit  int             `mapstructure:"limit"`
	SaveTo domain.SlotPath `mapstructure:"save_to"`
}

// Request holds the templated fields of an outbound HTTP call.
type Request struct {
	Method  string            `mapstructure:"method"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Body    string            `mapstructure:"body"`
}

// APICallStep performs an HTTP call and stores the response.
type APICallStep struct {
	Base      `mapstructure:",squash"`
	Request   `mapstructure:",squash"`
	JSONPath  string           `mapstructure:"json_path"`
	SaveTo    *domain.SlotPath `mapstructure:"save_to"`
	OnSuccess domain.Flow      `mapstructure:"on_success"`
	OnFail    domain.Flow      `mapstructure:"on_fail"`
}

// SSECallStep streams server-sent events to the user.
type SSECallStep struct {
	Base    `mapstructure:",squash"`
	Request `mapstructure:",squash"`
	SaveTo  *domain.SlotPath `mapstructure:"save_to"`
}

// SetSlotStep stores a literal or templated value.
type SetSlotStep struct {
	Base  `mapstructure:",squash"`
	Slot  domain.SlotPath `mapstructure:"slot"`
	Value any             `mapstructure:"value"`
}

// CounterStep increments a numeric slot.
type CounterStep struct {
	Base      `mapstructure:",squash"`
	Slot      domain.SlotPath `mapstructure:"slot"`
	Increment *float64        `mapstructure:"increment"`
}

// GotoStep jumps unconditionally.
type GotoStep struct {
	Base   `mapstructure:",squash"`
	Target domain.Flow `mapstructure:"target"`
}

// ChainStep runs its children in order under shared conditions.
type ChainStep struct {
	Base  `mapstructure:",squash"`
	Steps []Step `mapstructure:"-"`
}

// CombinedStep addresses its children as one unit.
type CombinedStep struct {
	Base  `mapstructure:",squash"`
	Steps []Step `mapstructure:"-"`
}

// Walk visits every step of the tree depth-first in declared order.
func Walk(steps []Step, fn func(Step)) {
	for _, s := range steps {
		fn(s)
		switch g := s.(type) {
		case *ChainStep:
			Walk(g.Steps, fn)
		case *CombinedStep:
			Walk(g.Steps, fn)
		}
	}
}
