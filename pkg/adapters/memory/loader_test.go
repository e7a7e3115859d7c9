package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/aretw0/parley/pkg/adapters/memory"
	contract "github.com/aretw0/parley/pkg/ports/tests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLoader_Contract(t *testing.T) {
	data := map[string]string{
		"onboarding": "version: 1",
		"quiz":       "version: 1\nid: quiz",
	}

	bytesData := make(map[string][]byte)
	for k, v := range data {
		bytesData[k] = []byte(v)
	}

	contract.DefinitionLoaderContractTest(t, memory.NewLoader(data), bytesData)
}

func TestInMemoryLoader_Watch(t *testing.T) {
	loader := memory.NewLoader(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := loader.Watch(ctx)
	require.NoError(t, err)

	loader.Set("quiz", "version: 1")
	select {
	case id := <-changes:
		assert.Equal(t, "quiz", id)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	content, err := loader.Load(ctx, "quiz")
	require.NoError(t, err)
	assert.Equal(t, "version: 1", string(content))
}
