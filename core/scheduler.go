package core

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs one round of work over a fixed set of items in parallel. Every call
// returns only after all of its work finished, so consecutive calls are separated
// by a barrier.
type Scheduler struct {
	workers int
}

func NewScheduler(workers int) *Scheduler {
	return &Scheduler{workers: max(workers, 1)}
}

// Run calls fn for every index in [0, n). The first error cancels the remaining work.
func (s *Scheduler) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range n {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ForEach runs fn for every item.
func ForEach[T any](ctx context.Context, s *Scheduler, items []T, fn func(item T) error) error {
	return s.Run(ctx, len(items), func(_ context.Context, i int) error {
		return fn(items[i])
	})
}

// AnyChanged runs fn for every item and reports whether any call returned true.
func AnyChanged[T any](ctx context.Context, s *Scheduler, items []T, fn func(item T) (bool, error)) (bool, error) {
	var changed atomic.Bool
	err := s.Run(ctx, len(items), func(_ context.Context, i int) error {
		c, err := fn(items[i])
		if c {
			changed.Store(true)
		}
		return err
	})
	return changed.Load(), err
}

// SumUint64 runs fn for every item and returns the wrapping sum of the results.
func SumUint64[T any](ctx context.Context, s *Scheduler, items []T, fn func(item T) uint64) (uint64, error) {
	var sum atomic.Uint64
	err := s.Run(ctx, len(items), func(_ context.Context, i int) error {
		sum.Add(fn(items[i]))
		return nil
	})
	return sum.Load(), err
}
