package compiler

import (
	"github.com/aretw0/parley/internal/steps"
	"github.com/aretw0/parley/pkg/domain"
)

// Graph is a compiled agent: an ordered map from step id to step.
//
// Order lists the steps visited by iteration. Children of combined steps are
// addressable through Step but only run as part of their parent.
type Graph struct {
	AgentID   string
	Voice     *domain.VoiceConfig
	Documents domain.Documents

	order []string
	steps map[string]*steps.Step
}

func newGraph(agentID string) *Graph {
	return &Graph{AgentID: agentID, steps: make(map[string]*steps.Step)}
}

func (g *Graph) add(s *steps.Step, inOrder bool) {
	g.steps[s.ID()] = s
	if inOrder {
		g.order = append(g.order, s.ID())
	}
}

// Order returns the iteration order of step ids.
func (g *Graph) Order() []string { return g.order }

// Len returns the number of steps in iteration order.
func (g *Graph) Len() int { return len(g.order) }

// Size returns the number of addressable steps, combined children included.
func (g *Graph) Size() int { return len(g.steps) }

// Step returns a step by id.
func (g *Graph) Step(id string) (*steps.Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Index returns the position of id in iteration order, or -1.
func (g *Graph) Index(id string) int {
	for i, o := range g.order {
		if o == id {
			return i
		}
	}
	return -1
}

// Clone returns a graph with fresh NotStarted steps sharing the immutable
// behaviors. Compiled graphs are cached; every conversation runs a clone.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		AgentID:   g.AgentID,
		Voice:     g.Voice,
		Documents: g.Documents,
		order:     g.order,
		steps:     make(map[string]*steps.Step, len(g.steps)),
	}
	var clone func(id string) *steps.Step
	clone = func(id string) *steps.Step {
		if s, done := c.steps[id]; done {
			return s
		}
		orig := g.steps[id]
		b := orig.Behavior()
		if cb, ok := b.(*steps.CombinedBehavior); ok {
			children := make([]*steps.Step, len(cb.Children))
			for i, child := range cb.Children {
				children[i] = clone(child.ID())
			}
			b = &steps.CombinedBehavior{Children: children}
		}
		s := steps.New(orig.ID(), orig.Kind(), orig.Conditions(), b)
		c.steps[id] = s
		return s
	}
	for id := range g.steps {
		clone(id)
	}
	return c
}
