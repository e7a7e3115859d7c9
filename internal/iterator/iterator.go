// Package iterator walks a compiled graph in declared order, honoring jumps.
package iterator

import (
	"fmt"

	"github.com/aretw0/parley/internal/compiler"
	"github.com/aretw0/parley/internal/steps"
	"github.com/aretw0/parley/pkg/domain"
)

// Iterator is a cursor over a compiled graph.
type Iterator struct {
	graph *compiler.Graph
	pos   int
}

// New creates an iterator positioned on startID, or on the first step when
// startID is empty.
func New(g *compiler.Graph, startID string) (*Iterator, error) {
	it := &Iterator{graph: g}
	if startID == "" {
		return it, nil
	}
	pos := g.Index(startID)
	if pos < 0 {
		return nil, fmt.Errorf("resume at %q: %w", startID, domain.ErrUnknownStep)
	}
	it.pos = pos
	return it, nil
}

// Current returns the step under the cursor, or false when exhausted.
func (it *Iterator) Current() (*steps.Step, bool) {
	if it.pos >= it.graph.Len() {
		return nil, false
	}
	return it.graph.Step(it.graph.Order()[it.pos])
}

// Next advances in declared order and returns the new current step.
// It returns false once the graph is exhausted.
func (it *Iterator) Next() (*steps.Step, bool) {
	if it.pos < it.graph.Len() {
		it.pos++
	}
	return it.Current()
}

// Goto relocates the cursor onto id.
func (it *Iterator) Goto(id string) (*steps.Step, error) {
	pos := it.graph.Index(id)
	if pos < 0 {
		return nil, fmt.Errorf("goto %q: %w", id, domain.ErrUnknownStep)
	}
	it.pos = pos
	s, _ := it.Current()
	return s, nil
}

// Step returns any addressable step, e.g. a combined child whose status is
// updated out of band.
func (it *Iterator) Step(id string) (*steps.Step, bool) {
	return it.graph.Step(id)
}
