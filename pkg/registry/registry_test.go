package registry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/adapters/memory"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greeter = `
version: 1
id: greeter
constants: {PREFIX: "Be brief."}
steps:
  - {type: message, id: hello, prompts: ["Say hello"]}
`

const greeterV2 = `
version: 1
id: greeter
constants: {PREFIX: "Be brief."}
steps:
  - {type: message, id: hello, prompts: ["Say hello"]}
  - {type: message, id: bye, prompts: ["Say bye"]}
`

// countingLoader counts Load calls.
type countingLoader struct {
	*memory.Loader
	loads atomic.Int32
	delay time.Duration
}

func (l *countingLoader) Load(ctx context.Context, id string) ([]byte, error) {
	l.loads.Add(1)
	time.Sleep(l.delay)
	return l.Loader.Load(ctx, id)
}

func TestRegistry_CompilesOnceUnderConcurrency(t *testing.T) {
	loader := &countingLoader{Loader: memory.NewLoader(map[string]string{"greeter": greeter}), delay: 20 * time.Millisecond}
	reg := registry.New(loader)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := reg.Graph(context.Background(), "greeter")
			assert.NoError(t, err)
			assert.Equal(t, 1, g.Len())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), loader.loads.Load())

	_, err := reg.Graph(context.Background(), "greeter")
	require.NoError(t, err)
	assert.Equal(t, int32(1), loader.loads.Load(), "served from cache")
}

func TestRegistry_GraphsAreIndependent(t *testing.T) {
	reg := registry.New(memory.NewLoader(map[string]string{"greeter": greeter}))
	a, err := reg.Graph(context.Background(), "greeter")
	require.NoError(t, err)
	b, err := reg.Graph(context.Background(), "greeter")
	require.NoError(t, err)

	s, _ := a.Step("hello")
	s.SetStatus(domain.StatusCompleted)
	other, _ := b.Step("hello")
	assert.Equal(t, domain.StatusNotStarted, other.Status())
}

func TestRegistry_Errors(t *testing.T) {
	reg := registry.New(memory.NewLoader(map[string]string{
		"broken":   "version: 1\nid: broken\nsteps: [{type: message, id: m, prompts: [hi]}]",
		"misnamed": greeter,
	}))

	_, err := reg.Graph(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)

	_, err = reg.Graph(context.Background(), "broken")
	assert.ErrorIs(t, err, domain.ErrMissingPrefix)

	failures, err := reg.Validate(context.Background())
	require.NoError(t, err)
	assert.Len(t, failures, 2)
	assert.Contains(t, failures, "misnamed")
}

func TestRegistry_WatchInvalidates(t *testing.T) {
	loader := memory.NewLoader(map[string]string{"greeter": greeter})
	reg := registry.New(loader)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reg.Watch(ctx))

	g, err := reg.Graph(ctx, "greeter")
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len())

	loader.Set("greeter", greeterV2)
	assert.Eventually(t, func() bool {
		g, err := reg.Graph(ctx, "greeter")
		return err == nil && g.Len() == 2
	}, time.Second, 5*time.Millisecond)
}
