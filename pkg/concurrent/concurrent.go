package concurrent

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ParallelJoin runs action for every element even when some of them fail.
// It waits for all goroutines to finish and returns every error joined, in
// element order.
func ParallelJoin[T any](ctx context.Context, items []T, limit int, action func(context.Context, T) error) error {
	errs := make([]error, len(items))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for idx, item := range items {
		g.Go(func() error {
			errs[idx] = action(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Collect runs fn for each element concurrently and returns the results in
// element order.
func Collect[T any, R any](ctx context.Context, items []T, limit int, fn func(context.Context, T) R) []R {
	out := make([]R, len(items))
	var wg sync.WaitGroup
	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}
	for idx, item := range items {
		wg.Add(1)
		if sem != nil {
			sem <- struct{}{}
		}
		go func(i int, v T) {
			defer wg.Done()
			out[i] = fn(ctx, v)
			if sem != nil {
				<-sem
			}
		}(idx, item)
	}
	wg.Wait()
	return out
}
