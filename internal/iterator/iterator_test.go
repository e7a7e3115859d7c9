package iterator_test

import (
	"testing"

	"github.com/aretw0/parley/internal/compiler"
	"github.com/aretw0/parley/internal/iterator"
	"github.com/aretw0/parley/pkg/definition"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const agent = `
version: 1
id: it
steps:
  - {type: set_slot, id: a, slot: x, value: 1}
  - type: chain
    id: c
    steps:
      - {type: set_slot, id: b, slot: x, value: 2}
      - type: combined
        id: both
        steps:
          - {type: counter, id: inner, slot: n}
  - {type: set_slot, id: d, slot: x, value: 4}
`

func graph(t *testing.T) *compiler.Graph {
	t.Helper()
	def, err := definition.Parse([]byte(agent))
	require.NoError(t, err)
	g, err := compiler.Compile(def)
	require.NoError(t, err)
	return g
}

func TestIterator_DeclaredOrder(t *testing.T) {
	it, err := iterator.New(graph(t), "")
	require.NoError(t, err)

	var ids []string
	for s, ok := it.Current(); ok; s, ok = it.Next() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"a", "b", "both", "d"}, ids)

	_, ok := it.Next()
	assert.False(t, ok, "an exhausted iterator stays exhausted")
}

func TestIterator_ResumeAndGoto(t *testing.T) {
	g := graph(t)
	it, err := iterator.New(g, "both")
	require.NoError(t, err)
	s, ok := it.Current()
	require.True(t, ok)
	assert.Equal(t, "both", s.ID())

	s, err = it.Goto("a")
	require.NoError(t, err)
	assert.Equal(t, "a", s.ID())
	s, _ = it.Next()
	assert.Equal(t, "b", s.ID())

	_, err = it.Goto("ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownStep)

	_, err = iterator.New(g, "ghost")
	assert.ErrorIs(t, err, domain.ErrUnknownStep)

	inner, ok := it.Step("inner")
	require.True(t, ok, "combined children are addressable")
	inner.SetStatus(domain.StatusCompleted)
	same, _ := g.Step("inner")
	assert.Equal(t, domain.StatusCompleted, same.Status())
}
