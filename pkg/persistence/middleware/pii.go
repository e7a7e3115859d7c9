package middleware

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Mask replaces redacted text.
const Mask = "***"

type piiMiddleware struct {
	ports.Persistence
	patterns []*regexp.Regexp
}

// NewPIIMiddleware creates a middleware that masks every match of the
// patterns in stored memory content and pending responses. Slots are left
// intact: steps read them back and need the real values.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pii pattern %q: %w", p, err)
		}
		patterns[i] = re
	}
	return func(next ports.Persistence) ports.Persistence {
		return &piiMiddleware{Persistence: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) mask(s string) string {
	for _, p := range m.patterns {
		s = p.ReplaceAllString(s, Mask)
	}
	return s
}

func (m *piiMiddleware) AppendMemory(ctx context.Context, entry domain.MemoryEntry) error {
	entry.Content = m.mask(entry.Content)
	return m.Persistence.AppendMemory(ctx, entry)
}

func (m *piiMiddleware) UpdateMemory(ctx context.Context, conversationID, entryID, content string) error {
	return m.Persistence.UpdateMemory(ctx, conversationID, entryID, m.mask(content))
}

func (m *piiMiddleware) SaveState(ctx context.Context, conversationID string, state *domain.ConversationState) error {
	if state.PendingResponse == nil {
		return m.Persistence.SaveState(ctx, conversationID, state)
	}
	// Copy to avoid side effects on the caller's state.
	masked := m.mask(*state.PendingResponse)
	cloned := *state
	cloned.PendingResponse = &masked
	return m.Persistence.SaveState(ctx, conversationID, &cloned)
}
