package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrTimeout = errors.New("middleware: request timed out")

type timeout[Req, Resp any] struct {
	inner Service[Req, Resp]
	d     time.Duration
}

// Timeout races each call against a timer started when the call is made.
// On expiry the caller gets ErrTimeout; the call itself is not cancelled,
// and its outcome is dropped when it arrives.
func Timeout[Req, Resp any](inner Service[Req, Resp], d time.Duration) Service[Req, Resp] {
	if d <= 0 {
		panic(fmt.Sprintf("middleware: invalid timeout %s", d))
	}
	return &timeout[Req, Resp]{inner: inner, d: d}
}

// TimeoutMiddleware returns a Layer applying Timeout.
func TimeoutMiddleware[Req, Resp any](d time.Duration) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return Timeout(next, d)
	}
}

func (s *timeout[Req, Resp]) Ready(ctx context.Context) error {
	return s.inner.Ready(ctx)
}

func (s *timeout[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	return &timedFuture[Resp]{
		inner:    s.inner.Call(ctx, req),
		deadline: time.Now().Add(s.d),
	}
}

func (s *timeout[Req, Resp]) Clone() Service[Req, Resp] {
	return &timeout[Req, Resp]{inner: Clone(s.inner), d: s.d}
}

func (s *timeout[Req, Resp]) Close() error {
	return Close(s.inner)
}

type timedFuture[T any] struct {
	inner    Future[T]
	deadline time.Time
}

func (f *timedFuture[T]) Await(ctx context.Context) (T, error) {
	tctx, cancel := context.WithDeadline(ctx, f.deadline)
	defer cancel()

	v, err := f.inner.Await(tctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		var zero T
		return zero, ErrTimeout
	}
	return v, err
}

// Done reports completion of the call itself, not expiry of the timer.
func (f *timedFuture[T]) Done() <-chan struct{} {
	return f.inner.Done()
}
