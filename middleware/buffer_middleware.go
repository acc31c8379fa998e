package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"chanrpc/transport"

	"golang.org/x/sync/semaphore"
)

var (
	ErrBufferClosed = errors.New("middleware: buffer closed")
	ErrBufferFailed = errors.New("middleware: buffered service failed")
)

type bufferMsg[Req, Resp any] struct {
	ctx   context.Context
	req   Req
	reply *transport.ReplyWriter[Resp]
}

// bufferWorker is shared by every clone of a buffer handle.
type bufferWorker[Req, Resp any] struct {
	inner Service[Req, Resp]
	queue chan bufferMsg[Req, Resp]
	slots *semaphore.Weighted
	done  chan struct{}

	mu      sync.Mutex
	handles int
	closed  bool
	err     error
}

type buffer[Req, Resp any] struct {
	w      *bufferWorker[Req, Resp]
	closed atomic.Bool
}

// Buffer puts a bounded queue and a dedicated worker goroutine in front of
// inner. Calls from any number of goroutines or clones are fed to inner one
// at a time, in arrival order; completion order is not guaranteed. Ready
// suspends while capacity calls are queued.
//
// The worker holds the only reference to inner, so inner need not be safe
// for concurrent use. If inner stops being ready with an error, the buffer
// fails: queued and later calls resolve to an error wrapping
// ErrBufferFailed. Closing the last handle stops the worker once the queue
// is drained, and closes inner.
func Buffer[Req, Resp any](inner Service[Req, Resp], capacity int) Service[Req, Resp] {
	if capacity <= 0 {
		panic(fmt.Sprintf("middleware: invalid buffer capacity %d", capacity))
	}
	w := &bufferWorker[Req, Resp]{
		inner:   inner,
		queue:   make(chan bufferMsg[Req, Resp], capacity),
		slots:   semaphore.NewWeighted(int64(capacity)),
		done:    make(chan struct{}),
		handles: 1,
	}
	go w.run()
	return &buffer[Req, Resp]{w: w}
}

// BufferMiddleware returns a Layer applying Buffer.
func BufferMiddleware[Req, Resp any](capacity int) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return Buffer(next, capacity)
	}
}

func (b *buffer[Req, Resp]) Ready(ctx context.Context) error {
	if err := b.w.failure(); err != nil {
		return err
	}
	return b.w.slots.Acquire(ctx, 1)
}

func (b *buffer[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	reply, fut := transport.NewReply[Resp]()

	w := b.w
	w.mu.Lock()
	if b.closed.Load() || w.closed {
		w.mu.Unlock()
		w.slots.Release(1)
		var zero Resp
		return Resolve(zero, ErrBufferClosed)
	}
	// the slot reserved by Ready guarantees room in the queue
	w.queue <- bufferMsg[Req, Resp]{ctx: ctx, req: req, reply: reply}
	w.mu.Unlock()

	return fut
}

func (b *buffer[Req, Resp]) Clone() Service[Req, Resp] {
	w := b.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		panic("middleware: clone of closed buffer")
	}
	w.handles++
	return &buffer[Req, Resp]{w: w}
}

// Close releases this handle. Closing the last handle waits for the worker to
// dispatch the queued calls and closes inner.
func (b *buffer[Req, Resp]) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	w := b.w
	w.mu.Lock()
	w.handles--
	last := w.handles == 0
	if last {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	if !last {
		return nil
	}
	<-w.done
	return Close(w.inner)
}

func (w *bufferWorker[Req, Resp]) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *bufferWorker[Req, Resp]) fail(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = fmt.Errorf("%w: %w", ErrBufferFailed, err)
	}
	return w.err
}

func (w *bufferWorker[Req, Resp]) run() {
	defer close(w.done)

	var zero Resp
	for msg := range w.queue {
		w.slots.Release(1)

		if err := w.failure(); err != nil {
			_ = msg.reply.Write(zero, err)
			continue
		}
		// not yet dispatched, so dropping it has no side effects
		if err := msg.ctx.Err(); err != nil {
			_ = msg.reply.Write(zero, err)
			continue
		}
		if err := w.inner.Ready(context.Background()); err != nil {
			_ = msg.reply.Write(zero, w.fail(err))
			continue
		}

		fut := w.inner.Call(msg.ctx, msg.req)
		select {
		case <-fut.Done():
			pipe(fut, msg.reply, nil)
		default:
			go pipe(fut, msg.reply, nil)
		}
	}
}
