// Package pool provides the two concurrency primitives the multi-node
// client is built from: a generic checkout pool for per-node clients
// (grounded on pool.py's Pool) and a bounded worker pool for parallel bulk
// fan-out (grounded on pool.py's ThreadPool/pmap).
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool is a fixed-size checkout pool of identical, interchangeable clients
// of type T. At most size clients may be checked out concurrently; callers
// block in Checkout until one is released. Within one checked-out client,
// callers are expected to serialize their own use of it (the pool only
// guarantees exclusivity of the handle, not thread-safety of T itself).
type Pool[T any] struct {
	sem  *semaphore.Weighted
	mu   sync.Mutex
	free []T
}

// New builds a Pool holding the given items. len(items) is the pool's
// concurrency limit.
func New[T any](items []T) *Pool[T] {
	free := make([]T, len(items))
	copy(free, items)
	return &Pool[T]{
		sem:  semaphore.NewWeighted(int64(len(items))),
		free: free,
	}
}

// Lease is a checked-out pool item; call Release exactly once when done.
type Lease[T any] struct {
	pool *Pool[T]
	item T
}

// Item returns the leased value.
func (l *Lease[T]) Item() T { return l.item }

// Release returns the item to the pool, unblocking one waiting Checkout.
func (l *Lease[T]) Release() {
	l.pool.mu.Lock()
	l.pool.free = append(l.pool.free, l.item)
	l.pool.mu.Unlock()
	l.pool.sem.Release(1)
}

// Checkout blocks until a pool item is available or ctx is done.
func (p *Pool[T]) Checkout(ctx context.Context) (*Lease[T], error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	p.mu.Lock()
	n := len(p.free)
	item := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return &Lease[T]{pool: p, item: item}, nil
}

// WorkerPool bounds the number of concurrently running tasks submitted via
// ParallelMap. It has no cancellation semantics of its own: a failing task
// does not stop its siblings, matching the spec's "cancellation not
// supported, in-flight tasks run to completion".
type WorkerPool struct {
	limit int64
}

// NewWorkerPool builds a WorkerPool that runs at most limit tasks at once.
func NewWorkerPool(limit int) *WorkerPool {
	if limit < 1 {
		limit = 1
	}
	return &WorkerPool{limit: int64(limit)}
}

// ParallelMap runs fn once per item in items, bounded to w.limit concurrent
// executions. It waits for every task to finish regardless of failures and
// returns the first error encountered, if any, after all tasks complete.
func ParallelMap[I any, O any](ctx context.Context, w *WorkerPool, items []I, fn func(context.Context, I) (O, error)) ([]O, error) {
	results := make([]O, len(items))
	sem := semaphore.NewWeighted(w.limit)
	var g errgroup.Group

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(ctx, 1); err != nil {
			g.Wait()
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			out, err := fn(ctx, item)
			results[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
