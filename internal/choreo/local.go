package choreo

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Outcome is one role's result from Parallel.
type Outcome[T any] struct {
	Value T
	Err   error
}

// Parallel runs fn once per role index concurrently and waits for all of
// them. A failing role does not cancel the others, so honest roles finish
// and report their own outcome.
func Parallel[T any](ctx context.Context, n int, fn func(ctx context.Context, i int) (T, error)) []Outcome[T] {
	out := make([]Outcome[T], n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			v, err := fn(ctx, i)
			out[i] = Outcome[T]{Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
