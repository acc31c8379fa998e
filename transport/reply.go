package transport

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrAbandoned is returned by ReplyWriter.Write when the reader stopped
// waiting before the outcome arrived. Servers ignore it.
var ErrAbandoned = errors.New("transport: reply abandoned by caller")

// cell is the single-assignment state shared by a writer and a reader.
type cell[T any] struct {
	mu        sync.Mutex
	completed bool
	abandoned bool
	value     T
	err       error
	done      chan struct{}
}

// ReplyWriter is the write-end of a reply slot. It is written at most once;
// Discard drops it unused.
type ReplyWriter[T any] struct {
	c     *cell[T]
	state atomic.Int32
}

const (
	writerUnused int32 = iota
	writerWritten
	writerDiscarded
)

// ReplyReader is the read-end of a reply slot. Await may be called once.
type ReplyReader[T any] struct {
	c    *cell[T]
	used atomic.Bool
}

// NewReply creates a one-shot reply slot.
//
// A writer that becomes unreachable without having been written is discarded
// automatically, so its reader observes ErrDisconnected rather than hanging.
func NewReply[T any]() (*ReplyWriter[T], *ReplyReader[T]) {
	c := &cell[T]{done: make(chan struct{})}
	w := &ReplyWriter[T]{c: c}
	runtime.AddCleanup(w, func(c *cell[T]) {
		c.complete(*new(T), ErrDisconnected)
	}, c)
	return w, &ReplyReader[T]{c: c}
}

// Write stores the outcome of the call: the value and the application error,
// if any. Writing twice panics. The returned error is ErrAbandoned if the
// reader gave up waiting or the slot was discarded; the outcome is dropped.
func (w *ReplyWriter[T]) Write(value T, err error) error {
	if !w.state.CompareAndSwap(writerUnused, writerWritten) {
		if w.state.Load() == writerWritten {
			panic("transport: reply slot written twice")
		}
		return ErrAbandoned
	}
	if abandoned := w.c.complete(value, err); abandoned {
		return ErrAbandoned
	}
	return nil
}

// Discard drops the write-end unused; the reader observes ErrDisconnected.
// Discard is a no-op once the slot was written or discarded.
func (w *ReplyWriter[T]) Discard() {
	if !w.state.CompareAndSwap(writerUnused, writerDiscarded) {
		return
	}
	var zero T
	w.c.complete(zero, ErrDisconnected)
}

// Done is closed once the slot was written or discarded.
func (w *ReplyWriter[T]) Done() <-chan struct{} {
	return w.c.done
}

// Await waits for the outcome. It returns the written value and application
// error, ErrDisconnected if the writer was discarded unused, or ctx.Err() if
// ctx ends first, in which case the slot is marked abandoned. Calling Await
// twice panics.
func (r *ReplyReader[T]) Await(ctx context.Context) (T, error) {
	if r.used.Swap(true) {
		panic("transport: reply slot read twice")
	}
	c := r.c
	select {
	case <-c.done:
		return c.value, c.err
	default:
	}
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.completed {
			c.mu.Unlock()
			return c.value, c.err
		}
		c.abandoned = true
		c.mu.Unlock()
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the slot was written or discarded.
func (r *ReplyReader[T]) Done() <-chan struct{} {
	return r.c.done
}

// complete assigns the outcome if the slot is still pending, reporting whether
// the reader had abandoned it.
func (c *cell[T]) complete(value T, err error) (abandoned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return c.abandoned
	}
	c.completed = true
	c.value = value
	c.err = err
	close(c.done)
	return c.abandoned
}
