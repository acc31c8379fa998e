// Package middleware defines the uniform unit of composition used on both
// sides of a channel: a Service accepts one call and returns a Future that
// resolves to exactly one response. Decorators (rate limiting, buffering,
// concurrency limiting, timeouts, logging, metrics) wrap an inner Service and
// are Services themselves, so they stack in any order on the client side, the
// server side, or both.
//
//	caller ──Ready──→ RateLimit ──Ready──→ Buffer ──Ready──→ ...
//	caller ──Call───→ RateLimit ──Call───→ Buffer ──Call───→ ... → Future
//
// Chain composes Layers in onion order: Chain(A, B, C)(svc) is A(B(C(svc))).
package middleware

import (
	"context"
	"io"

	"chanrpc/transport"
)

// Future is the pending response of one call.
type Future[T any] interface {
	// Await waits for the response. It may be called once.
	Await(ctx context.Context) (T, error)

	// Done is closed once the response is available.
	Done() <-chan struct{}
}

// Service is the uniform call abstraction.
//
// Ready blocks until the service can accept one more call; each successful
// Ready reserves capacity for exactly one following Call, which the caller
// must make. Call starts the call and returns its Future. It may block to
// hand the request over to the next layer, but it does not wait for the
// response unless the layer runs the call inline.
type Service[Req, Resp any] interface {
	Ready(ctx context.Context) error
	Call(ctx context.Context, req Req) Future[Resp]
}

// Cloner is implemented by services that hand out independent handles sharing
// the same underlying resources, like the producer end of a channel.
type Cloner[Req, Resp any] interface {
	Clone() Service[Req, Resp]
}

// Layer wraps a Service.
type Layer[Req, Resp any] func(next Service[Req, Resp]) Service[Req, Resp]

// Chain combines layers into one; the first layer is the outermost.
func Chain[Req, Resp any](layers ...Layer[Req, Resp]) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		for i := len(layers) - 1; i >= 0; i-- {
			next = layers[i](next)
		}
		return next
	}
}

// ServiceFunc adapts a function to a Service that is always ready and runs
// each call inline.
type ServiceFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

func (f ServiceFunc[Req, Resp]) Ready(context.Context) error { return nil }

func (f ServiceFunc[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	resp, err := f(ctx, req)
	return Resolve(resp, err)
}

// Oneshot waits for svc to be ready, calls it with req and awaits the
// response.
func Oneshot[Req, Resp any](ctx context.Context, svc Service[Req, Resp], req Req) (Resp, error) {
	if err := svc.Ready(ctx); err != nil {
		var zero Resp
		return zero, err
	}
	return svc.Call(ctx, req).Await(ctx)
}

// Clone returns a new handle for svc if it implements Cloner, else svc
// itself.
func Clone[Req, Resp any](svc Service[Req, Resp]) Service[Req, Resp] {
	if c, ok := svc.(Cloner[Req, Resp]); ok {
		return c.Clone()
	}
	return svc
}

// Close releases svc if it implements io.Closer.
func Close[Req, Resp any](svc Service[Req, Resp]) error {
	if c, ok := svc.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type resolved[T any] struct {
	value T
	err   error
}

// Resolve returns a Future that is already complete.
func Resolve[T any](value T, err error) Future[T] {
	return &resolved[T]{value: value, err: err}
}

func (r *resolved[T]) Await(context.Context) (T, error) { return r.value, r.err }

func (r *resolved[T]) Done() <-chan struct{} { return closedCh }

// Go runs fn in a new goroutine and returns a Future for its outcome.
func Go[T any](fn func() (T, error)) Future[T] {
	w, r := transport.NewReply[T]()
	go func() {
		v, err := fn()
		_ = w.Write(v, err)
	}()
	return r
}

// observe returns a Future that resolves like fut, after fn has seen the
// outcome. fn runs even if nobody awaits the returned Future.
func observe[T any](fut Future[T], fn func(T, error)) Future[T] {
	select {
	case <-fut.Done():
		v, err := fut.Await(context.Background())
		fn(v, err)
		return Resolve(v, err)
	default:
	}

	w, r := transport.NewReply[T]()
	go pipe(fut, w, fn)
	return r
}

// pipe waits for fut and forwards its outcome to w. A write rejected because
// the reader gave up is ignored.
func pipe[T any](fut Future[T], w *transport.ReplyWriter[T], fn func(T, error)) {
	v, err := fut.Await(context.Background())
	if fn != nil {
		fn(v, err)
	}
	_ = w.Write(v, err)
}
