package inflight_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/inflight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_SharesInFlightComputation(t *testing.T) {
	g := inflight.New[int]()
	var calls atomic.Int32
	gate := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := g.Do(context.Background(), "agent", func() (int, error) {
				calls.Add(1)
				<-gate
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	// The entry was removed once filled.
	v, shared, err := g.Do(context.Background(), "agent", func() (int, error) {
		calls.Add(1)
		return 7, nil
	})
	require.NoError(t, err)
	assert.False(t, shared)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGroup_Errors(t *testing.T) {
	g := inflight.New[string]()
	boom := errors.New("boom")
	_, _, err := g.Do(context.Background(), "k", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestGroup_CallerContext(t *testing.T) {
	g := inflight.New[string]()
	gate := make(chan struct{})
	defer close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err := g.Do(ctx, "slow", func() (string, error) {
		<-gate
		return "late", nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
