package ports

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunPersistenceContract runs a suite of tests to verify that a Persistence
// implementation adheres to the defined interface contract.
func RunPersistenceContract(t *testing.T, store Persistence) {
	ctx := context.Background()
	suffix := time.Now().Format("20060102150405.000000000")
	id := domain.Identity{
		UserID:         "user-" + suffix,
		ModuleID:       "mod",
		SessionID:      "sess",
		ConversationID: "conv-" + suffix,
	}

	t.Run("Slots are isolated by scope", func(t *testing.T) {
		for i, scope := range domain.Scopes {
			err := store.SetSlot(ctx, id.Key(scope), "level", domain.Number(float64(i)))
			require.NoError(t, err)
		}
		for i, scope := range domain.Scopes {
			v, ok, err := store.GetSlot(ctx, id.Key(scope), "level")
			require.NoError(t, err)
			require.True(t, ok, "slot in %s scope should be set", scope)
			n, _ := v.AsNumber()
			assert.Equal(t, float64(i), n)
		}

		other := id
		other.SessionID = "other"
		_, ok, err := store.GetSlot(ctx, other.Key(domain.ScopeSession), "level")
		require.NoError(t, err)
		assert.False(t, ok, "another session must not see the slot")
	})

	t.Run("Slot values keep their kind", func(t *testing.T) {
		key := id.Key(domain.ScopeConversation)
		want := domain.Mapping(map[string]domain.Value{
			"name": domain.String("Ana"),
			"tags": domain.Sequence(domain.Bool(true), domain.Null()),
		})
		require.NoError(t, store.SetSlot(ctx, key, "profile", want))
		got, ok, err := store.GetSlot(ctx, key, "profile")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, domain.Equal(want, got), "got %s", got)

		_, ok, err = store.GetSlot(ctx, key, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Memory append, update and query", func(t *testing.T) {
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 4; i++ {
			step := "a"
			if i%2 == 1 {
				step = "b"
			}
			err := store.AppendMemory(ctx, domain.MemoryEntry{
				ID:             fmt.Sprintf("m-%s-%d", suffix, i),
				ConversationID: id.ConversationID,
				StepID:         step,
				Role:           domain.RoleAssistant,
				Content:        fmt.Sprintf("msg %d", i),
				CreatedAt:      base.Add(time.Duration(i) * time.Millisecond),
			})
			require.NoError(t, err)
		}

		all, err := store.QueryMemory(ctx, id.ConversationID, domain.MemoryQuery{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "msg 0", all[0].Content, "entries are ordered oldest first")

		last, err := store.QueryMemory(ctx, id.ConversationID, domain.MemoryQuery{Limit: 2})
		require.NoError(t, err)
		require.Len(t, last, 2)
		assert.Equal(t, "msg 2", last[0].Content)
		assert.Equal(t, "msg 3", last[1].Content)

		onlyA, err := store.QueryMemory(ctx, id.ConversationID, domain.MemoryQuery{StepIDs: []string{"a"}})
		require.NoError(t, err)
		require.Len(t, onlyA, 2)
		for _, e := range onlyA {
			assert.Equal(t, "a", e.StepID)
		}

		require.NoError(t, store.UpdateMemory(ctx, id.ConversationID, all[3].ID, "msg 3 edited"))
		last, err = store.QueryMemory(ctx, id.ConversationID, domain.MemoryQuery{Limit: 1})
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, "msg 3 edited", last[0].Content)

		none, err := store.QueryMemory(ctx, "unknown-"+suffix, domain.MemoryQuery{})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("State save, load and delete", func(t *testing.T) {
		_, err := store.LoadState(ctx, id.ConversationID)
		assert.ErrorIs(t, err, domain.ErrConversationNotFound)

		pending := "half a sent"
		state := &domain.ConversationState{
			CurrentStepID:   "greet",
			Status:          domain.StatusError,
			PendingResponse: &pending,
			UpdatedAt:       time.Now().UTC(),
		}
		require.NoError(t, store.SaveState(ctx, id.ConversationID, state))

		loaded, err := store.LoadState(ctx, id.ConversationID)
		require.NoError(t, err)
		assert.Equal(t, "greet", loaded.CurrentStepID)
		assert.Equal(t, domain.StatusError, loaded.Status)
		require.NotNil(t, loaded.PendingResponse)
		assert.Equal(t, pending, *loaded.PendingResponse)

		state.PendingResponse = nil
		state.Status = domain.StatusRunning
		require.NoError(t, store.SaveState(ctx, id.ConversationID, state))
		loaded, err = store.LoadState(ctx, id.ConversationID)
		require.NoError(t, err)
		assert.Nil(t, loaded.PendingResponse, "cleared pending response must not come back")

		require.NoError(t, store.DeleteState(ctx, id.ConversationID))
		_, err = store.LoadState(ctx, id.ConversationID)
		assert.ErrorIs(t, err, domain.ErrConversationNotFound, "LoadState after DeleteState should return ErrConversationNotFound")
	})

	t.Run("Usage accumulates per user", func(t *testing.T) {
		require.NoError(t, store.IncrementUsage(ctx, id, domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
		require.NoError(t, store.IncrementUsage(ctx, id, domain.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}))
		u, err := store.Usage(ctx, id.UserID)
		require.NoError(t, err)
		assert.Equal(t, domain.Usage{PromptTokens: 11, CompletionTokens: 7, TotalTokens: 18}, u)
	})
}
