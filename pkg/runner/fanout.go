package runner

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// fanOut launches exactly n concurrent invocations and waits for all of them.
// Failures are joined into one error.
func (r *Runner[T1, T2, R]) fanOut(ctx context.Context, n int) error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.invoke(ctx)
		}(i)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// gated admits cycles invocations, at most limit in flight at once. Admission
// stops early when ctx ends; invocations already admitted are awaited.
func (r *Runner[T1, T2, R]) gated(ctx context.Context, limit, cycles int) error {
	sem := semaphore.NewWeighted(int64(limit))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < cycles; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := r.invoke(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
