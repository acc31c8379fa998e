package middleware

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

type concurrencyLimit[Req, Resp any] struct {
	inner Service[Req, Resp]
	sem   *semaphore.Weighted
}

// ConcurrencyLimit allows at most n calls in flight through inner. Ready
// suspends until a permit is free. The permit is held until the inner future
// resolves, whether or not the caller is still waiting for it. Clones share
// the permits.
func ConcurrencyLimit[Req, Resp any](inner Service[Req, Resp], n int) Service[Req, Resp] {
	if n <= 0 {
		panic(fmt.Sprintf("middleware: invalid concurrency limit %d", n))
	}
	return &concurrencyLimit[Req, Resp]{inner: inner, sem: semaphore.NewWeighted(int64(n))}
}

// ConcurrencyLimitMiddleware returns a Layer applying ConcurrencyLimit.
func ConcurrencyLimitMiddleware[Req, Resp any](n int) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return ConcurrencyLimit(next, n)
	}
}

func (s *concurrencyLimit[Req, Resp]) Ready(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := s.inner.Ready(ctx); err != nil {
		s.sem.Release(1)
		return err
	}
	return nil
}

func (s *concurrencyLimit[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	return observe(s.inner.Call(ctx, req), func(Resp, error) {
		s.sem.Release(1)
	})
}

func (s *concurrencyLimit[Req, Resp]) Clone() Service[Req, Resp] {
	return &concurrencyLimit[Req, Resp]{inner: Clone(s.inner), sem: s.sem}
}

func (s *concurrencyLimit[Req, Resp]) Close() error {
	return Close(s.inner)
}
