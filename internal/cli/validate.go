package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
)

// Validator compiles agent definitions.
type Validator interface {
	ValidateAll(ctx context.Context) (map[string]error, error)
	Agents(ctx context.Context) ([]string, error)
}

// ErrInvalidAgents is returned by RunValidate when any definition fails.
type ErrInvalidAgents struct {
	Failed int
}

func (e *ErrInvalidAgents) Error() string {
	return fmt.Sprintf("%d agent(s) failed validation", e.Failed)
}

// RunValidate compiles every agent and reports one line per agent.
func RunValidate(ctx context.Context, v Validator, out io.Writer) error {
	ids, err := v.Agents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	failures, err := v.ValidateAll(ctx)
	if err != nil {
		return err
	}

	sort.Strings(ids)
	for _, id := range ids {
		if ferr, ok := failures[id]; ok {
			fmt.Fprintf(out, "FAIL %s: %v\n", id, ferr)
			continue
		}
		fmt.Fprintf(out, "ok   %s\n", id)
	}
	if len(failures) > 0 {
		return &ErrInvalidAgents{Failed: len(failures)}
	}
	return nil
}
