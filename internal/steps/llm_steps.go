package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/parley/internal/llm"
	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Tool names presented to the provider.
const (
	ValidatorTool = "record_decisions"
	ExtractorTool = "extract_values"
)

// MessageBehavior streams an LLM reply.
type MessageBehavior struct {
	LLM          llm.Config
	WaitForInput bool
	SaveTo       *domain.SlotPath
}

func (b *MessageBehavior) run(ctx context.Context, s *Step, env *Env, partial string) (outcome, error) {
	ch, err := env.LLM.Stream(ctx, b.LLM, llm.Call{StepID: s.id, Slots: env.Slots, Partial: partial})
	if err != nil {
		return outcome{}, err
	}
	return outcome{
		content: &Message{StepID: s.id, Chunks: ch, SaveTo: b.SaveTo, Continued: partial},
		wait:    b.WaitForInput,
	}, nil
}

// Goal is a named boolean decision and where it is stored.
type Goal struct {
	Name        string
	Description string
	Decision    domain.SlotPath
	Explanation domain.SlotPath
}

// ValidatorBehavior asks the provider to decide every goal.
type ValidatorBehavior struct {
	LLM       llm.Config
	Any       bool
	Goals     []Goal
	OnSuccess string
	OnFail    string
}

// NewValidator builds a validator whose LLM config forces the decision tool.
func NewValidator(cfg llm.Config, anyGoal bool, goals []Goal, onSuccess, onFail string) *ValidatorBehavior {
	props := make(map[string]any, len(goals))
	required := make([]string, 0, len(goals))
	for _, g := range goals {
		props[g.Name] = map[string]any{
			"type":        "object",
			"description": g.Description,
			"properties": map[string]any{
				"decision":    map[string]any{"type": "boolean"},
				"explanation": map[string]any{"type": "string"},
			},
			"required": []string{"decision", "explanation"},
		}
		required = append(required, g.Name)
	}
	cfg.Tool = &ports.Tool{
		Name:        ValidatorTool,
		Description: "Record a decision and a short explanation for every goal.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
	return &ValidatorBehavior{LLM: cfg, Any: anyGoal, Goals: goals, OnSuccess: onSuccess, OnFail: onFail}
}

func (b *ValidatorBehavior) run(ctx context.Context, s *Step, env *Env, _ string) (outcome, error) {
	res, err := env.LLM.Invoke(ctx, b.LLM, llm.Call{StepID: s.id, Slots: env.Slots})
	if err != nil {
		return outcome{}, err
	}

	value := &StepValue{}
	success := !b.Any
	for _, g := range b.Goals {
		decision, explanation, err := readDecision(res.Arguments, g.Name)
		if err != nil {
			return outcome{}, err
		}
		value.Slots = append(value.Slots,
			domain.SlotValuePair{Path: g.Decision, Value: domain.Bool(decision)},
			domain.SlotValuePair{Path: g.Explanation, Value: domain.String(explanation)},
		)
		if b.Any {
			success = success || decision
		} else {
			success = success && decision
		}
	}
	value.Goto = route(success, b.OnSuccess, b.OnFail)
	return outcome{content: value, usage: res.Usage}, nil
}

func readDecision(args map[string]any, goal string) (bool, string, error) {
	raw, ok := args[goal].(map[string]any)
	if !ok {
		return false, "", fmt.Errorf("%w: no decision for goal %q", domain.ErrUnexpectedResponseFormat, goal)
	}
	explanation, _ := raw["explanation"].(string)
	switch d := raw["decision"].(type) {
	case bool:
		return d, explanation, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(d)) {
		case "true", "yes":
			return true, explanation, nil
		case "false", "no":
			return false, explanation, nil
		}
	}
	return false, "", fmt.Errorf("%w: decision for goal %q is not a boolean", domain.ErrUnexpectedResponseFormat, goal)
}

// Field is a typed value to extract and the slot receiving it.
type Field struct {
	Name        string
	Type        string
	Description string
	Slot        domain.SlotPath
}

// ExtractorBehavior asks the provider to extract typed values.
type ExtractorBehavior struct {
	LLM       llm.Config
	Fields    []Field
	OnSuccess string
	OnFail    string
}

// NewExtractor builds an extractor whose LLM config forces the extraction tool.
func NewExtractor(cfg llm.Config, fields []Field, onSuccess, onFail string) *ExtractorBehavior {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		typ := f.Type
		if typ == "" {
			typ = "string"
		}
		props[f.Name] = map[string]any{
			"type":        []string{typ, "null"},
			"description": f.Description,
		}
		required = append(required, f.Name)
	}
	cfg.Tool = &ports.Tool{
		Name:        ExtractorTool,
		Description: "Extract the requested values from the conversation. Use null for values the user did not provide.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
	return &ExtractorBehavior{LLM: cfg, Fields: fields, OnSuccess: onSuccess, OnFail: onFail}
}

func (b *ExtractorBehavior) run(ctx context.Context, s *Step, env *Env, _ string) (outcome, error) {
	res, err := env.LLM.Invoke(ctx, b.LLM, llm.Call{StepID: s.id, Slots: env.Slots})
	if err != nil {
		return outcome{}, err
	}

	value := &StepValue{}
	success := true
	for _, f := range b.Fields {
		raw, present := res.Arguments[f.Name]
		if !present || IsNullish(raw) {
			success = false
			continue
		}
		value.Slots = append(value.Slots, domain.SlotValuePair{Path: f.Slot, Value: domain.FromAny(raw)})
	}
	value.Goto = route(success, b.OnSuccess, b.OnFail)
	return outcome{content: value, usage: res.Usage}, nil
}

// IsNullish reports whether an extracted value counts as missing: null, an
// empty string, or the strings "null" and "none" in any case.
func IsNullish(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "null", "none":
			return true
		}
	}
	return false
}

// SummarizerBehavior keeps a running summary in a slot.
type SummarizerBehavior struct {
	LLM    llm.Config
	Slot   domain.SlotPath
	Append bool
}

func (b *SummarizerBehavior) run(ctx context.Context, s *Step, env *Env, _ string) (outcome, error) {
	res, err := env.LLM.Invoke(ctx, b.LLM, llm.Call{StepID: s.id, Slots: env.Slots})
	if err != nil {
		return outcome{}, err
	}
	summary := strings.TrimSpace(res.Text)
	if b.Append {
		prior, ok, err := env.Slots.Get(ctx, b.Slot)
		if err != nil {
			return outcome{}, err
		}
		if text, isString := prior.AsString(); ok && isString && text != "" {
			summary = text + "\n" + summary
		}
	}
	return outcome{
		content: &StepValue{Slots: []domain.SlotValuePair{{Path: b.Slot, Value: domain.String(summary)}}},
		usage:   res.Usage,
	}, nil
}

func route(success bool, onSuccess, onFail string) string {
	if success {
		return onSuccess
	}
	return onFail
}
