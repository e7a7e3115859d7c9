package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"strings"
	"testing"

	"github.com/aretw0/parley/pkg/adapters/memory"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/persistence/middleware"
	"github.com/aretw0/parley/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func encrypted(t *testing.T, next ports.Persistence, cfg middleware.EncryptionConfig) ports.Persistence {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	require.NoError(t, err)
	return mw(next)
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	ports.RunPersistenceContract(t, encrypted(t, memory.NewStore(), middleware.EncryptionConfig{ActiveKey: generateKey(t)}))
}

func TestEncryptionMiddleware_HidesContent(t *testing.T) {
	underlying := memory.NewStore()
	store := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	ctx := context.Background()
	key := domain.Identity{ConversationID: "c1"}.Key(domain.ScopeConversation)

	require.NoError(t, store.SetSlot(ctx, key, "secret", domain.String("my-secret-sauce")))
	raw, ok, err := underlying.GetSlot(ctx, key, "secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw.String(), "my-secret-sauce")
	assert.True(t, strings.HasPrefix(raw.String(), "enc:v1:"))

	require.NoError(t, store.AppendMemory(ctx, domain.MemoryEntry{ID: "m1", ConversationID: "c1", Content: "my card is 4242"}))
	entries, err := underlying.QueryMemory(ctx, "c1", domain.MemoryQuery{})
	require.NoError(t, err)
	assert.NotContains(t, entries[0].Content, "4242")

	pending := "half a sentence"
	require.NoError(t, store.SaveState(ctx, "c1", &domain.ConversationState{CurrentStepID: "greet", PendingResponse: &pending}))
	rawState, err := underlying.LoadState(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "greet", rawState.CurrentStepID, "positions stay readable")
	assert.NotEqual(t, pending, *rawState.PendingResponse)
	assert.Equal(t, "half a sentence", pending, "the caller's state is not modified")
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	underlying := memory.NewStore()
	oldKey, newKey := generateKey(t), generateKey(t)
	ctx := context.Background()
	key := domain.Identity{UserID: "u1"}.Key(domain.ScopeGlobal)

	old := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: oldKey})
	require.NoError(t, old.SetSlot(ctx, key, "name", domain.String("Ana")))

	rotated := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}})
	v, ok, err := rotated.GetSlot(ctx, key, "name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Ana", v.String())

	unknown := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: newKey})
	_, _, err = unknown.GetSlot(ctx, key, "name")
	assert.Error(t, err)
}

func TestEncryptionMiddleware_FailsSecureOnPlainData(t *testing.T) {
	underlying := memory.NewStore()
	ctx := context.Background()
	key := domain.Identity{UserID: "u1"}.Key(domain.ScopeGlobal)
	require.NoError(t, underlying.SetSlot(ctx, key, "name", domain.String("plain")))

	store := encrypted(t, underlying, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	_, _, err := store.GetSlot(ctx, key, "name")
	assert.ErrorIs(t, err, middleware.ErrNotEncrypted)
}

func TestNewEncryptionMiddleware_KeySize(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short")})
	assert.Error(t, err)
}
