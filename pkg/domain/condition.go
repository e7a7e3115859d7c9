package domain

import "fmt"

// Operation is a comparison applied by a Condition.
type Operation string

const (
	OpEquals         Operation = "equals"
	OpNotEquals      Operation = "not_equals"
	OpExists         Operation = "exists"
	OpGreaterThan    Operation = "greater_than"
	OpLessThan       Operation = "less_than"
	OpGreaterOrEqual Operation = "greater_or_equal"
	OpLessOrEqual    Operation = "less_or_equal"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpExists, OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return true
	}
	return false
}

// Condition guards a step: the step runs only if every condition holds.
type Condition struct {
	Slot  SlotPath  `json:"slot"`
	Op    Operation `json:"op"`
	Value Value     `json:"value"`
}

// Evaluate checks the condition against the slot value (nil when the slot is
// unset). It never panics: a missing slot or a type mismatch yields false
// together with a *ConditionEvaluationError describing why.
func (c Condition) Evaluate(actual *Value) (bool, error) {
	if c.Op == OpExists {
		return actual != nil && !actual.IsNull(), nil
	}
	if actual == nil {
		return false, &ConditionEvaluationError{Condition: c, Reason: "slot not set"}
	}
	switch c.Op {
	case OpEquals:
		return Equal(*actual, c.Value), nil
	case OpNotEquals:
		return !Equal(*actual, c.Value), nil
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		cmp, ok := Compare(*actual, c.Value)
		if !ok {
			return false, &ConditionEvaluationError{
				Condition: c,
				Reason:    fmt.Sprintf("cannot compare %s with %s", actual.Kind(), c.Value.Kind()),
			}
		}
		switch c.Op {
		case OpGreaterThan:
			return cmp > 0, nil
		case OpLessThan:
			return cmp < 0, nil
		case OpGreaterOrEqual:
			return cmp >= 0, nil
		default:
			return cmp <= 0, nil
		}
	}
	return false, &ConditionEvaluationError{Condition: c, Reason: fmt.Sprintf("unknown operation %q", c.Op)}
}

func (c Condition) String() string {
	if c.Op == OpExists {
		return fmt.Sprintf("%s %s", c.Slot, c.Op)
	}
	return fmt.Sprintf("%s %s %s", c.Slot, c.Op, c.Value)
}

// MergeConditions returns the union of parent and own conditions, parent
// conditions first. Duplicates are dropped.
func MergeConditions(parent, own []Condition) []Condition {
	if len(parent) == 0 {
		return append([]Condition(nil), own...)
	}
	out := make([]Condition, 0, len(parent)+len(own))
	out = append(out, parent...)
	for _, c := range own {
		dup := false
		for _, p := range out {
			if p.Slot == c.Slot && p.Op == c.Op && Equal(p.Value, c.Value) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}
