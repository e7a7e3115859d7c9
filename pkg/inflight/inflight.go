// Package inflight deduplicates concurrent computations by fingerprint.
//
// A Group is an explicitly constructed service: concurrent callers asking for
// the same fingerprint attach to the one computation in flight and share its
// result. The entry is dropped once the computation finishes, so a later call
// computes again.
package inflight

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one computation per fingerprint at a time.
type Group[T any] struct {
	g singleflight.Group
}

// New creates an empty Group.
func New[T any]() *Group[T] {
	return &Group[T]{}
}

// Do runs fn for key unless a call for key is already in flight, in which
// case it waits for that call and returns its result. shared reports whether
// the result was handed to more than one caller.
//
// The computation is not cancelled when one caller's ctx is done; that caller
// stops waiting and gets ctx.Err().
func (g *Group[T]) Do(ctx context.Context, key string, fn func() (T, error)) (v T, shared bool, err error) {
	ch := g.g.DoChan(key, func() (any, error) {
		return fn()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		t, ok := res.Val.(T)
		if !ok {
			return v, res.Shared, fmt.Errorf("inflight: unexpected result type %T", res.Val)
		}
		return t, res.Shared, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Forget drops key so that the next call computes again even if one is in
// flight.
func (g *Group[T]) Forget(key string) {
	g.g.Forget(key)
}
