package steps

import (
	"context"

	"github.com/aretw0/parley/pkg/domain"
)

// SetSlotBehavior stores a literal value, or a rendered template when
// Template is set.
type SetSlotBehavior struct {
	Slot     domain.SlotPath
	Value    domain.Value
	Template *domain.Template
}

func (b *SetSlotBehavior) run(ctx context.Context, _ *Step, env *Env, _ string) (outcome, error) {
	v := b.Value
	if b.Template != nil {
		values, err := env.Slots.Resolve(ctx, b.Template.Slots())
		if err != nil {
			return outcome{}, err
		}
		v = domain.String(b.Template.Render(values))
	}
	return outcome{content: &StepValue{Slots: []domain.SlotValuePair{{Path: b.Slot, Value: v}}}}, nil
}

// CounterBehavior adds Increment to a numeric slot. A missing or
// non-numeric slot counts as zero.
type CounterBehavior struct {
	Slot      domain.SlotPath
	Increment float64
}

func (b *CounterBehavior) run(ctx context.Context, _ *Step, env *Env, _ string) (outcome, error) {
	current, _, err := env.Slots.Get(ctx, b.Slot)
	if err != nil {
		return outcome{}, err
	}
	n, _ := current.AsNumber()
	return outcome{content: &StepValue{Slots: []domain.SlotValuePair{{Path: b.Slot, Value: domain.Number(n + b.Increment)}}}}, nil
}

// GotoBehavior jumps to a resolved target. An empty target continues.
type GotoBehavior struct {
	Target string
}

func (b *GotoBehavior) run(context.Context, *Step, *Env, string) (outcome, error) {
	return outcome{content: &StepValue{Goto: b.Target}}, nil
}

// CombinedBehavior runs its children sequentially in declared order. A
// failing child has already been retried, so the combined step is not.
type CombinedBehavior struct {
	Children []*Step
}

func (b *CombinedBehavior) run(ctx context.Context, _ *Step, env *Env, _ string) (outcome, error) {
	out := &Combined{Items: make([]Item, 0, len(b.Children))}
	wait := false
	for _, child := range b.Children {
		content, err := child.Execute(ctx, env)
		if err != nil {
			return outcome{}, &childFailure{err: err}
		}
		if child.Status() == domain.StatusWaitingForInput {
			wait = true
		}
		out.Items = append(out.Items, Item{StepID: child.ID(), Content: content})
	}
	return outcome{content: out, wait: wait}, nil
}
