package definition

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// ErrInvalidDefinition wraps every shape error reported by Parse.
var ErrInvalidDefinition = errors.New("invalid definition")

// Parse decodes a YAML agent definition.
func Parse(data []byte) (*Agent, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidDefinition)
	}
	return Decode(raw)
}

// Decode builds an Agent from an already unmarshaled document.
func Decode(raw map[string]any) (*Agent, error) {
	top := make(map[string]any, len(raw))
	for k, v := range raw {
		top[k] = v
	}
	rawSteps := top["steps"]
	delete(top, "steps")

	var agent Agent
	if err := decodeInto(top, &agent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if agent.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidDefinition, agent.Version)
	}
	if agent.ID == "" {
		return nil, fmt.Errorf("%w: missing agent id", ErrInvalidDefinition)
	}

	steps, err := decodeSteps(rawSteps, "steps")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: agent %q has no steps", ErrInvalidDefinition, agent.ID)
	}
	agent.Steps = steps
	return &agent, nil
}

func decodeSteps(raw any, at string) ([]Step, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s: expected a list of steps, got %T", at, raw)
	}
	steps := make([]Step, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: expected a mapping, got %T", at, i, item)
		}
		s, err := decodeStep(m, fmt.Sprintf("%s[%d]", at, i))
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func decodeStep(m map[string]any, at string) (Step, error) {
	kind, _ := m["type"].(string)
	var s Step
	switch Kind(kind) {
	case KindMessage:
		s = &MessageStep{}
	case KindValidator:
		s = &ValidatorStep{}
	case KindExtractor:
		s = &ExtractorStep{}
	case KindSummarizer:
		s = &SummarizerStep{}
	case KindVectorDB:
		s = &VectorDBStep{}
	case KindAPICall:
		s = &APICallStep{}
	case KindSSECall:
		s = &SSECallStep{}
	case KindSetSlot:
		s = &SetSlotStep{}
	case KindCounter:
		s = &CounterStep{}
	case KindGoto:
		s = &GotoStep{}
	case KindChain:
		s = &ChainStep{}
	case KindCombined:
		s = &CombinedStep{}
	case "":
		return nil, fmt.Errorf("%s: missing step type", at)
	default:
		return nil, fmt.Errorf("%s: unknown step type %q", at, kind)
	}

	fields := make(map[string]any, len(m))
	for k, v := range m {
		fields[k] = v
	}
	children := fields["steps"]
	if Kind(kind) == KindChain || Kind(kind) == KindCombined {
		delete(fields, "steps")
	}

	if err := decodeInto(fields, s); err != nil {
		return nil, fmt.Errorf("%s: %v", at, err)
	}
	b := s.base()
	if b.ID == "" {
		return nil, fmt.Errorf("%s: missing step id", at)
	}
	at = fmt.Sprintf("%s(%s)", at, b.ID)

	switch g := s.(type) {
	case *ChainStep:
		steps, err := decodeSteps(children, at+".steps")
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("%s: chain has no steps", at)
		}
		g.Steps = steps
	case *CombinedStep:
		steps, err := decodeSteps(children, at+".steps")
		if err != nil {
			return nil, err
		}
		if len(steps) == 0 {
			return nil, fmt.Errorf("%s: combined has no steps", at)
		}
		g.Steps = steps
	case *ValidatorStep:
		if g.Mode == "" {
			g.Mode = "all"
		}
		if g.Mode != "all" && g.Mode != "any" {
			return nil, fmt.Errorf("%s: invalid validator mode %q", at, g.Mode)
		}
		if len(g.Goals) == 0 {
			return nil, fmt.Errorf("%s: validator has no goals", at)
		}
	case *ExtractorStep:
		if len(g.Fields) == 0 {
			return nil, fmt.Errorf("%s: extractor has no fields", at)
		}
	case *SummarizerStep:
		if g.Mode == "" {
			g.Mode = "replace"
		}
		if g.Mode != "replace" && g.Mode != "append" {
			return nil, fmt.Errorf("%s: invalid summarizer mode %q", at, g.Mode)
		}
	case *APICallStep:
		if g.URL == "" {
			return nil, fmt.Errorf("%s: missing url", at)
		}
	case *SSECallStep:
		if g.URL == "" {
			return nil, fmt.Errorf("%s: missing url", at)
		}
	}
	return s, nil
}

func decodeInto(input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			flowHook,
			slotPathHook,
			conditionHook,
		),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

var (
	flowType      = reflect.TypeOf(domain.Flow{})
	slotPathType  = reflect.TypeOf(domain.SlotPath{})
	conditionType = reflect.TypeOf(domain.Condition{})
)

func flowHook(from, to reflect.Type, data any) (any, error) {
	if to != flowType || from.Kind() != reflect.String {
		return data, nil
	}
	return domain.ParseFlow(data.(string))
}

func slotPathHook(from, to reflect.Type, data any) (any, error) {
	if to != slotPathType || from.Kind() != reflect.String {
		return data, nil
	}
	return domain.ParseSlotPath(data.(string))
}

func conditionHook(from, to reflect.Type, data any) (any, error) {
	if to != conditionType {
		return data, nil
	}
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("condition: expected a mapping, got %T", data)
	}
	for k := range m {
		if k != "slot" && k != "op" && k != "value" {
			return nil, fmt.Errorf("condition: unknown key %q", k)
		}
	}
	slot, _ := m["slot"].(string)
	path, err := domain.ParseSlotPath(slot)
	if err != nil {
		return nil, fmt.Errorf("condition: %w", err)
	}
	op, _ := m["op"].(string)
	if op == "" {
		op = string(domain.OpExists)
	}
	if !domain.Operation(op).Valid() {
		return nil, fmt.Errorf("condition: unknown operation %q", op)
	}
	return domain.Condition{Slot: path, Op: domain.Operation(op), Value: domain.FromAny(m["value"])}, nil
}
