package vectorstore

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"chronofact/internal/core"
	"chronofact/internal/metrics"
)

// =============================================================================
// CONNECTION GUARD
// =============================================================================

// Guard bounds concurrent access to a Store with a weighted semaphore.
// Callers that cannot acquire a slot within the wait budget fail fast with
// core.ErrBackendBusy instead of queueing without bound.
type Guard struct {
	inner Store
	sem   *semaphore.Weighted
	wait  time.Duration
}

var _ Store = (*Guard)(nil)

// NewGuard wraps a store with a pool of size slots and a bounded wait.
func NewGuard(inner Store, size int, wait time.Duration) *Guard {
	if size <= 0 {
		size = 16
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Guard{
		inner: inner,
		sem:   semaphore.NewWeighted(int64(size)),
		wait:  wait,
	}
}

func (g *Guard) acquire(ctx context.Context) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		// The request deadline expiring mid-wait is the caller's timeout,
		// not saturation.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: store wait: %v", core.ErrDeadlineExceeded, ctx.Err())
		}
		metrics.StoreBusy.Inc()
		return nil, fmt.Errorf("%w: store pool saturated after %s", core.ErrBackendBusy, g.wait)
	}
	return func() { g.sem.Release(1) }, nil
}

func (g *Guard) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.EnsureCollection(ctx, spec)
}

func (g *Guard) Upsert(ctx context.Context, collection string, points []Point) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.Upsert(ctx, collection, points)
}

func (g *Guard) Query(ctx context.Context, q DenseQuery) ([]ScoredPoint, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.inner.Query(ctx, q)
}

func (g *Guard) SparseQuery(ctx context.Context, q SparseQuery) ([]ScoredPoint, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.inner.SparseQuery(ctx, q)
}

func (g *Guard) Scroll(ctx context.Context, q ScrollQuery) ([]Point, string, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, "", err
	}
	defer release()
	return g.inner.Scroll(ctx, q)
}

func (g *Guard) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Point, error) {
	release, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return g.inner.Get(ctx, collection, ids, withVectors)
}

func (g *Guard) Delete(ctx context.Context, collection string, ids []string) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.Delete(ctx, collection, ids)
}

func (g *Guard) SetPayload(ctx context.Context, collection string, id string, patch map[string]any) error {
	release, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return g.inner.SetPayload(ctx, collection, id, patch)
}

func (g *Guard) HealthCheck(ctx context.Context) error {
	return g.inner.HealthCheck(ctx)
}

func (g *Guard) Close() error {
	return g.inner.Close()
}
