package domain

import (
	"fmt"
	"strings"
)

// FlowKind selects how the next step is chosen.
type FlowKind uint8

const (
	FlowContinue FlowKind = iota
	FlowRepeat
	FlowGoto
)

// Flow is a next-step directive: continue, repeat or goto:<id>.
// The zero Flow is Continue.
type Flow struct {
	Kind   FlowKind
	Target string
}

// Continue advances in declared order.
func Continue() Flow { return Flow{Kind: FlowContinue} }

// Repeat restarts the enclosing chain.
func Repeat() Flow { return Flow{Kind: FlowRepeat} }

// Goto jumps to the step with the given id.
func Goto(id string) Flow { return Flow{Kind: FlowGoto, Target: id} }

// ParseFlow parses "continue", "repeat" or "goto:<id>". Empty means continue.
func ParseFlow(s string) (Flow, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "continue":
		return Continue(), nil
	case s == "repeat":
		return Repeat(), nil
	case strings.HasPrefix(s, "goto:"):
		id := strings.TrimSpace(strings.TrimPrefix(s, "goto:"))
		if id == "" {
			return Flow{}, fmt.Errorf("goto without target")
		}
		return Goto(id), nil
	}
	return Flow{}, fmt.Errorf("invalid flow directive %q", s)
}

func (f Flow) String() string {
	switch f.Kind {
	case FlowRepeat:
		return "repeat"
	case FlowGoto:
		return "goto:" + f.Target
	default:
		return "continue"
	}
}
