// Package compiler turns a declarative step tree into an executable Graph.
//
// Chains are flattened into the graph, every step inheriting the union of
// the conditions of its enclosing chains. Combined steps keep their children
// addressable but run them as one unit. Flow directives, memory selectors and
// preamble constants are resolved here, so a Graph that compiles never fails
// on a dangling reference at run time.
package compiler

import (
	"fmt"
	"strings"

	"github.com/aretw0/parley/internal/llm"
	"github.com/aretw0/parley/internal/steps"
	"github.com/aretw0/parley/pkg/definition"
	"github.com/aretw0/parley/pkg/domain"
)

const defaultRetrievalLimit = 5

// ParentStep describes the enclosing chain of a step. It exists only while
// compiling.
type ParentStep struct {
	ID         string
	Children   []string
	Conditions []domain.Condition
}

type compiler struct {
	agent *definition.Agent
	graph *Graph
	// ids maps every declared id to the step a goto on it lands on.
	ids map[string]string
	// inner holds ids declared inside combined steps; they cannot be jumped to.
	inner map[string]bool
	// leaves maps chain and combined ids to the leaf ids memory is recorded under.
	leaves map[string][]string
}

// Compile validates and compiles an agent definition.
func Compile(agent *definition.Agent) (*Graph, error) {
	c := &compiler{
		agent:  agent,
		graph:  newGraph(agent.ID),
		ids:    make(map[string]string),
		inner:  make(map[string]bool),
		leaves: make(map[string][]string),
	}
	c.graph.Voice = agent.Voice
	c.graph.Documents = agent.Documents

	if err := c.index(agent.Steps); err != nil {
		return nil, err
	}
	if _, err := c.flatten(agent.Steps, nil, nil, true); err != nil {
		return nil, err
	}
	return c.graph, nil
}

// index records every id and where a goto on it lands.
func (c *compiler) index(defs []definition.Step) error {
	var err error
	definition.Walk(defs, func(s definition.Step) {
		if err != nil {
			return
		}
		id := definition.BaseOf(s).ID
		if _, dup := c.ids[id]; dup {
			err = &domain.CompileError{StepID: id, Err: domain.ErrDuplicateStep}
			return
		}
		c.ids[id] = id
	})
	if err != nil {
		return err
	}
	definition.Walk(defs, func(s definition.Step) {
		switch g := s.(type) {
		case *definition.ChainStep:
			c.ids[g.ID] = firstLeaf(g)
			c.leaves[g.ID] = leafIDs(g.Steps)
		case *definition.CombinedStep:
			definition.Walk(g.Steps, func(child definition.Step) {
				c.inner[definition.BaseOf(child).ID] = true
			})
			c.leaves[g.ID] = leafIDs(g.Steps)
		}
	})
	return nil
}

func firstLeaf(chain *definition.ChainStep) string {
	first := chain.Steps[0]
	if inner, ok := first.(*definition.ChainStep); ok {
		return firstLeaf(inner)
	}
	return definition.BaseOf(first).ID
}

func leafIDs(defs []definition.Step) []string {
	var ids []string
	definition.Walk(defs, func(s definition.Step) {
		switch s.(type) {
		case *definition.ChainStep, *definition.CombinedStep:
		default:
			ids = append(ids, definition.BaseOf(s).ID)
		}
	})
	return ids
}

// flatten compiles defs and returns the compiled leaves in declared order.
func (c *compiler) flatten(defs []definition.Step, parent *ParentStep, inherited []domain.Condition, inOrder bool) ([]*steps.Step, error) {
	var out []*steps.Step
	for _, def := range defs {
		base := definition.BaseOf(def)
		conds := domain.MergeConditions(inherited, base.Conditions)

		switch g := def.(type) {
		case *definition.ChainStep:
			p := &ParentStep{ID: g.ID, Conditions: conds}
			for _, child := range g.Steps {
				p.Children = append(p.Children, definition.BaseOf(child).ID)
			}
			leaves, err := c.flatten(g.Steps, p, conds, inOrder)
			if err != nil {
				return nil, err
			}
			out = append(out, leaves...)

		case *definition.CombinedStep:
			children, err := c.flatten(g.Steps, parent, conds, false)
			if err != nil {
				return nil, err
			}
			s := steps.New(g.ID, definition.KindCombined, conds, &steps.CombinedBehavior{Children: children})
			c.graph.add(s, inOrder)
			out = append(out, s)

		default:
			b, err := c.behavior(def, parent)
			if err != nil {
				return nil, &domain.CompileError{StepID: base.ID, Err: err}
			}
			s := steps.New(base.ID, base.Type, conds, b)
			c.graph.add(s, inOrder)
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *compiler) behavior(def definition.Step, parent *ParentStep) (steps.Behavior, error) {
	switch d := def.(type) {
	case *definition.MessageStep:
		cfg, err := c.llmConfig(d.ID, d.LLM)
		if err != nil {
			return nil, err
		}
		return &steps.MessageBehavior{LLM: cfg, WaitForInput: d.WaitForInput, SaveTo: d.SaveTo}, nil

	case *definition.ValidatorStep:
		cfg, err := c.llmConfig(d.ID, d.LLM)
		if err != nil {
			return nil, err
		}
		onSuccess, onFail, err := c.routes(d.OnSuccess, d.OnFail, parent)
		if err != nil {
			return nil, err
		}
		goals := make([]steps.Goal, len(d.Goals))
		for i, g := range d.Goals {
			scope := g.Scope
			if scope == "" {
				scope = domain.ScopeConversation
			}
			if !scope.Valid() {
				return nil, fmt.Errorf("goal %q: invalid scope %q", g.Name, scope)
			}
			goals[i] = steps.Goal{
				Name:        g.Name,
				Description: g.Description,
				Decision:    domain.SlotPath{Scope: scope, Name: g.Name},
				Explanation: domain.SlotPath{Scope: scope, Name: g.Name + "_explanation"},
			}
		}
		return steps.NewValidator(cfg, d.Mode == "any", goals, onSuccess, onFail), nil

	case *definition.ExtractorStep:
		cfg, err := c.llmConfig(d.ID, d.LLM)
		if err != nil {
			return nil, err
		}
		onSuccess, onFail, err := c.routes(d.OnSuccess, d.OnFail, parent)
		if err != nil {
			return nil, err
		}
		fields := make([]steps.Field, len(d.Fields))
		for i, f := range d.Fields {
			slot := domain.SlotPath{Scope: domain.ScopeConversation, Name: f.Name}
			if f.Slot != nil {
				slot = *f.Slot
			}
			fields[i] = steps.Field{Name: f.Name, Type: f.Type, Description: f.Description, Slot: slot}
		}
		return steps.NewExtractor(cfg, fields, onSuccess, onFail), nil

	case *definition.SummarizerStep:
		cfg, err := c.llmConfig(d.ID, d.LLM)
		if err != nil {
			return nil, err
		}
		return &steps.SummarizerBehavior{LLM: cfg, Slot: d.Slot, Append: d.Mode == "append"}, nil

	case *definition.VectorDBStep:
		if c.agent.Documents.IsZero() {
			return nil, domain.ErrMissingDocuments
		}
		limit := d.Limit
		if limit <= 0 {
			limit = defaultRetrievalLimit
		}
		return &steps.VectorDBBehavior{Source: d.Source, Limit: limit, SaveTo: d.SaveTo, Documents: c.agent.Documents}, nil

	case *definition.APICallStep:
		onSuccess, onFail, err := c.routes(d.OnSuccess, d.OnFail, parent)
		if err != nil {
			return nil, err
		}
		return &steps.APICallBehavior{
			Request:   request(d.Request),
			JSONPath:  d.JSONPath,
			SaveTo:    d.SaveTo,
			OnSuccess: onSuccess,
			OnFail:    onFail,
		}, nil

	case *definition.SSECallStep:
		return &steps.SSECallBehavior{Request: request(d.Request), SaveTo: d.SaveTo}, nil

	case *definition.SetSlotStep:
		b := &steps.SetSlotBehavior{Slot: d.Slot, Value: domain.FromAny(d.Value)}
		if s, ok := d.Value.(string); ok && strings.Contains(s, "{{") {
			t := domain.ParseTemplate(s)
			b.Template = &t
		}
		return b, nil

	case *definition.CounterStep:
		inc := 1.0
		if d.Increment != nil {
			inc = *d.Increment
		}
		return &steps.CounterBehavior{Slot: d.Slot, Increment: inc}, nil

	case *definition.GotoStep:
		target, err := c.resolveFlow(d.Target, parent)
		if err != nil {
			return nil, err
		}
		return &steps.GotoBehavior{Target: target}, nil
	}
	return nil, fmt.Errorf("unsupported step %T", def)
}

func (c *compiler) routes(onSuccess, onFail domain.Flow, parent *ParentStep) (string, string, error) {
	s, err := c.resolveFlow(onSuccess, parent)
	if err != nil {
		return "", "", err
	}
	f, err := c.resolveFlow(onFail, parent)
	if err != nil {
		return "", "", err
	}
	return s, f, nil
}

// resolveFlow maps a flow directive to a concrete next step id. An empty id
// means "no jump": continue in declared order. Repeat restarts the nearest
// enclosing chain and, outside any chain, behaves like Continue.
func (c *compiler) resolveFlow(flow domain.Flow, parent *ParentStep) (string, error) {
	switch flow.Kind {
	case domain.FlowRepeat:
		if parent == nil || len(parent.Children) == 0 {
			return "", nil
		}
		return c.ids[parent.Children[0]], nil
	case domain.FlowGoto:
		target, ok := c.ids[flow.Target]
		if !ok {
			return "", fmt.Errorf("goto %q: %w", flow.Target, domain.ErrUnknownStep)
		}
		if c.inner[flow.Target] {
			return "", fmt.Errorf("goto %q: cannot jump into a combined step", flow.Target)
		}
		return target, nil
	}
	return "", nil
}

func (c *compiler) llmConfig(stepID string, d definition.LLM) (llm.Config, error) {
	cfg := llm.Config{
		Model:       d.Model,
		Temperature: d.Temperature,
		MemoryLimit: d.Memory.Limit,
	}
	if !d.SkipPrefix {
		prefix, temp, err := Preamble(c.agent.Constants, d.Preamble)
		if err != nil {
			return llm.Config{}, err
		}
		cfg.Prefix = domain.ParseTemplate(prefix)
		if cfg.Temperature == nil {
			cfg.Temperature = temp
		}
	}
	for _, p := range d.Prompts {
		cfg.Prompts = append(cfg.Prompts, domain.ParseTemplate(p))
	}
	cfg.Slots = append(append([]domain.SlotPath(nil), c.agent.Preload...), d.Slots...)

	filter, err := c.memoryFilter(stepID, d.Memory.Selectors)
	if err != nil {
		return llm.Config{}, err
	}
	cfg.MemoryFilter = filter
	return cfg, nil
}

// Preamble reads the PREFIX and optional TEMPERATURE constants, suffixed
// with "_<name>" when a named preamble is requested.
func Preamble(constants map[string]any, name string) (string, *float64, error) {
	prefixKey, tempKey := "PREFIX", "TEMPERATURE"
	if name != "" {
		prefixKey += "_" + name
		tempKey += "_" + name
	}

	raw, ok := constants[prefixKey]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", domain.ErrMissingPrefix, prefixKey)
	}
	prefix, ok := raw.(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s is %T", domain.ErrExpectedString, prefixKey, raw)
	}

	rawTemp, ok := constants[tempKey]
	if !ok {
		return prefix, nil, nil
	}
	var temp float64
	switch t := rawTemp.(type) {
	case float64:
		temp = t
	case float32:
		temp = float64(t)
	case int:
		temp = float64(t)
	case int64:
		temp = float64(t)
	default:
		return "", nil, fmt.Errorf("%w: %s is %T", domain.ErrExpectedFloat, tempKey, rawTemp)
	}
	return prefix, &temp, nil
}

// memoryFilter collapses memory selectors to nil (no filter) or a
// deduplicated list of origin step ids. "all" wins over every other selector.
// A chain or combined id selects the memory of every step it contains.
func (c *compiler) memoryFilter(stepID string, selectors []string) ([]string, error) {
	var ids []string
	seen := make(map[string]struct{})
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		switch {
		case sel == "all":
			return nil, nil
		case sel == "current":
			add(stepID)
		case strings.HasPrefix(sel, "from:"):
			id := strings.TrimSpace(strings.TrimPrefix(sel, "from:"))
			if _, ok := c.ids[id]; !ok {
				return nil, fmt.Errorf("memory selector %q: %w", sel, domain.ErrUnknownStep)
			}
			if leaves, ok := c.leaves[id]; ok {
				for _, leaf := range leaves {
					add(leaf)
				}
				continue
			}
			add(id)
		default:
			return nil, fmt.Errorf("invalid memory selector %q", sel)
		}
	}
	return ids, nil
}

func request(r definition.Request) steps.Request {
	out := steps.Request{
		Method: r.Method,
		URL:    domain.ParseTemplate(r.URL),
		Body:   domain.ParseTemplate(r.Body),
	}
	if len(r.Headers) > 0 {
		out.Headers = make(map[string]domain.Template, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = domain.ParseTemplate(v)
		}
	}
	return out
}
