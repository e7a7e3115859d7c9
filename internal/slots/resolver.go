// Package slots reads and writes scoped slot values for one conversation.
package slots

import (
	"context"
	"fmt"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/ports"
)

// Resolver binds a SlotStore to the identity of one conversation.
type Resolver struct {
	store ports.SlotStore
	id    domain.Identity
}

// NewResolver creates a resolver for the given identity.
func NewResolver(store ports.SlotStore, id domain.Identity) *Resolver {
	return &Resolver{store: store, id: id}
}

// Identity returns the identity the resolver is bound to.
func (r *Resolver) Identity() domain.Identity { return r.id }

// Get returns a slot value and whether it is set.
func (r *Resolver) Get(ctx context.Context, p domain.SlotPath) (domain.Value, bool, error) {
	v, ok, err := r.store.GetSlot(ctx, r.id.Key(p.Scope), p.Name)
	if err != nil {
		return domain.Value{}, false, fmt.Errorf("get slot %s: %w", p, err)
	}
	return v, ok, nil
}

// Require returns a slot value or a *domain.SlotNotFoundError.
func (r *Resolver) Require(ctx context.Context, p domain.SlotPath) (domain.Value, error) {
	v, ok, err := r.Get(ctx, p)
	if err != nil {
		return domain.Value{}, err
	}
	if !ok {
		return domain.Value{}, &domain.SlotNotFoundError{Path: p}
	}
	return v, nil
}

// Resolve fetches every path. Unset slots are absent from the result.
func (r *Resolver) Resolve(ctx context.Context, paths []domain.SlotPath) (map[domain.SlotPath]domain.Value, error) {
	out := make(map[domain.SlotPath]domain.Value, len(paths))
	for _, p := range paths {
		if _, done := out[p]; done {
			continue
		}
		v, ok, err := r.Get(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out[p] = v
		}
	}
	return out, nil
}

// Set stores a slot value.
func (r *Resolver) Set(ctx context.Context, p domain.SlotPath, v domain.Value) error {
	if err := r.store.SetSlot(ctx, r.id.Key(p.Scope), p.Name, v); err != nil {
		return fmt.Errorf("set slot %s: %w", p, err)
	}
	return nil
}

// SetAll stores every pair in order.
func (r *Resolver) SetAll(ctx context.Context, pairs []domain.SlotValuePair) error {
	for _, pair := range pairs {
		if err := r.Set(ctx, pair.Path, pair.Value); err != nil {
			return err
		}
	}
	return nil
}

// Met evaluates conditions against the stored slots. Any evaluation error
// makes the result false; the error is returned for logging only.
func (r *Resolver) Met(ctx context.Context, conds []domain.Condition) (bool, error) {
	for _, c := range conds {
		v, ok, err := r.Get(ctx, c.Slot)
		if err != nil {
			return false, err
		}
		var actual *domain.Value
		if ok {
			actual = &v
		}
		met, err := c.Evaluate(actual)
		if err != nil || !met {
			return false, err
		}
	}
	return true, nil
}
