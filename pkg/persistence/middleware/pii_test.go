package middleware_test

import (
	"context"
	"testing"

	"github.com/aretw0/parley/pkg/adapters/memory"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/persistence/middleware"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var piiPatterns = []string{`\b\d{3}-\d{2}-\d{4}\b`, `[\w.+-]+@[\w-]+\.[\w.]+`}

func TestPIIMiddleware_Contract(t *testing.T) {
	mw, err := middleware.NewPIIMiddleware(piiPatterns)
	require.NoError(t, err)
	ports.RunPersistenceContract(t, mw(memory.NewStore()))
}

func TestPIIMiddleware_Masking(t *testing.T) {
	mw, err := middleware.NewPIIMiddleware(piiPatterns)
	require.NoError(t, err)
	underlying := memory.NewStore()
	store := mw(underlying)
	ctx := context.Background()

	require.NoError(t, store.AppendMemory(ctx, domain.MemoryEntry{
		ID: "m1", ConversationID: "c1", Content: "I am ana@example.com, SSN 999-99-9999",
	}))
	require.NoError(t, store.UpdateMemory(ctx, "c1", "m1", "I am ana@example.com, SSN 999-99-9999, really"))

	entries, err := store.QueryMemory(ctx, "c1", domain.MemoryQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "I am ***, SSN ***, really", entries[0].Content)

	pending := "Your email ana@example.com is"
	require.NoError(t, store.SaveState(ctx, "c1", &domain.ConversationState{CurrentStepID: "s", PendingResponse: &pending}))
	assert.Equal(t, "Your email ana@example.com is", pending, "the caller's state is not modified")
	state, err := underlying.LoadState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Your email *** is", *state.PendingResponse)

	// Slots keep real values.
	key := domain.Identity{UserID: "u1"}.Key(domain.ScopeGlobal)
	require.NoError(t, store.SetSlot(ctx, key, "email", domain.String("ana@example.com")))
	v, _, err := store.GetSlot(ctx, key, "email")
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", v.String())
}

func TestPIIMiddleware_InvalidPattern(t *testing.T) {
	_, err := middleware.NewPIIMiddleware([]string{"("})
	assert.Error(t, err)
}

func TestChain(t *testing.T) {
	pii, err := middleware.NewPIIMiddleware(piiPatterns)
	require.NoError(t, err)
	enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: make([]byte, 32)})
	require.NoError(t, err)

	underlying := memory.NewStore()
	store := middleware.Chain(underlying, pii, enc)
	ctx := context.Background()
	require.NoError(t, store.AppendMemory(ctx, domain.MemoryEntry{ID: "m1", ConversationID: "c1", Content: "mail ana@example.com"}))

	entries, err := store.QueryMemory(ctx, "c1", domain.MemoryQuery{})
	require.NoError(t, err)
	assert.Equal(t, "mail ***", entries[0].Content, "masked before encryption")

	raw, err := underlying.QueryMemory(ctx, "c1", domain.MemoryQuery{})
	require.NoError(t, err)
	assert.NotContains(t, raw[0].Content, "mail")
}
