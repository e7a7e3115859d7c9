package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/adapters/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_LockLifecycle(t *testing.T) {
	mgr := NewManager(memory.NewStore())
	ctx := context.Background()

	for i := range 10000 {
		id := fmt.Sprintf("conversation-%d", i)
		_ = mgr.WithLock(ctx, id, func(context.Context) error { return nil })
		_ = mgr.Delete(ctx, id)
	}

	assert.Empty(t, mgr.locks, "locks are released once unused")
}

func TestManager_CancelledAcquireReleasesEntry(t *testing.T) {
	mgr := NewManager(memory.NewStore())

	release, err := mgr.Acquire(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = mgr.Acquire(ctx, "c1")
	require.Error(t, err)

	release()
	assert.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return len(mgr.locks) == 0
	}, time.Second, 5*time.Millisecond)
}
