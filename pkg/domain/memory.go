package domain

import "time"

// Role identifies the author of a memory entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MemoryEntry is one message of the ordered conversation history.
type MemoryEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	StepID         string    `json:"step_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryQuery filters the conversation history.
type MemoryQuery struct {
	// StepIDs restricts entries to the given origin steps. Nil means all.
	StepIDs []string
	// Limit keeps only the most recent entries. Zero means all.
	Limit int
}

// Matches reports whether the entry passes the step filter.
func (q MemoryQuery) Matches(e MemoryEntry) bool {
	if q.StepIDs == nil {
		return true
	}
	for _, id := range q.StepIDs {
		if id == e.StepID {
			return true
		}
	}
	return false
}

// Apply filters entries (oldest first) and keeps the most recent Limit.
func (q MemoryQuery) Apply(entries []MemoryEntry) []MemoryEntry {
	out := make([]MemoryEntry, 0, len(entries))
	for _, e := range entries {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Usage counts LLM tokens.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add returns the sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool { return u == Usage{} }

// Document is one retrieval result.
type Document struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Documents names the document-id scopes available to retrieval steps.
type Documents struct {
	Primary   []string `json:"primary" yaml:"primary"`
	Secondary []string `json:"secondary" yaml:"secondary"`
}

// IsZero reports whether no document scope is configured.
func (d Documents) IsZero() bool { return len(d.Primary) == 0 && len(d.Secondary) == 0 }

// VoiceConfig selects the TTS voice used in voice mode.
type VoiceConfig struct {
	Model  string `json:"model"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}
