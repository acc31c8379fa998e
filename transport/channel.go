// Package transport implements the in-process channel transport: an unbounded
// multi-producer/single-consumer queue that moves request envelopes from any
// number of client handles to exactly one server loop, and one-shot reply slots
// that pair each request with its outcome.
//
//	Sender ──Send──┐
//	Sender.Clone ──┼──→ queue (unbounded, FIFO) ──→ Receiver.Recv ──→ server loop
//	Sender.Clone ──┘
//
//	server loop ──ReplyWriter.Write──→ reply slot ──ReplyReader.Await──→ caller
//
// Producers never block. The queue reports end-of-stream (ErrClosed) once every
// producer handle has been closed and the buffered items have been received.
// Closing the Receiver drops the consumer: further sends fail with
// ErrDisconnected and every item still queued is discarded.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrDisconnected = errors.New("transport: disconnected")
	ErrClosed       = errors.New("transport: end of stream")
	ErrSenderClosed = errors.New("transport: sender closed")
)

// Discarder is implemented by items that hold a reply write-end. Items that
// are dropped without being received are discarded, so the paired reader
// observes ErrDisconnected instead of waiting forever.
type Discarder interface {
	Discard()
}

// queue is the state shared by every Sender clone and the single Receiver.
type queue[T any] struct {
	mu        sync.Mutex
	items     []T
	head      int           // index of the next item to receive
	senders   int           // live producer handles
	recvGone  bool          // consumer dropped
	notify    chan struct{} // capacity 1, signalled on push and on close
	closeOnce sync.Once
	closed    chan struct{} // closed once end-of-stream or consumer drop is reached
}

// Sender is one producer handle. Handles are cheap: Clone shares the queue and
// increments the producer count. A handle must be closed once it is no longer
// needed; the queue reports end-of-stream after the last handle is closed.
//
// A Sender is safe for concurrent use. Items sent sequentially through the same
// handle are received in order.
type Sender[T any] struct {
	q      *queue[T]
	mu     sync.Mutex
	closed bool
}

// Receiver is the single consumer end of the queue.
type Receiver[T any] struct {
	q *queue[T]
}

// NewChannel creates an unbounded queue and returns its producer and consumer
// ends.
func NewChannel[T any]() (*Sender[T], *Receiver[T]) {
	q := &queue[T]{
		senders: 1,
		notify:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	return &Sender[T]{q: q}, &Receiver[T]{q: q}
}

// Send enqueues v without blocking. It fails with ErrDisconnected if the
// consumer has been dropped, or ErrSenderClosed if this handle was closed. On
// failure v is discarded if it implements Discarder.
func (s *Sender[T]) Send(v T) error {
	if err := s.push(v); err != nil {
		discard(v)
		return err
	}
	s.q.signal()
	return nil
}

// push appends v while holding the handle, so a concurrent Close cannot
// release it between the check and the append.
func (s *Sender[T]) push(v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSenderClosed
	}

	q := s.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.recvGone {
		return ErrDisconnected
	}
	q.items = append(q.items, v)
	return nil
}

// Clone returns a new producer handle sharing the same queue. Cloning a closed
// handle is a programming error and panics.
func (s *Sender[T]) Clone() *Sender[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		panic("transport: clone of closed sender")
	}
	s.q.mu.Lock()
	s.q.senders++
	s.q.mu.Unlock()
	return &Sender[T]{q: s.q}
}

// Close releases this handle. It is idempotent. Closing the last handle marks
// the queue for end-of-stream.
func (s *Sender[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	q := s.q
	q.mu.Lock()
	q.senders--
	last := q.senders == 0
	q.mu.Unlock()

	if last {
		q.signal()
	}
	return nil
}

// Disconnected reports whether the consumer has been dropped.
func (s *Sender[T]) Disconnected() bool {
	s.q.mu.Lock()
	defer s.q.mu.Unlock()
	return s.q.recvGone
}

// Recv returns the next item, suspending while the queue is empty. It returns
// ErrClosed once all producers are closed and the queue is drained, and
// ctx.Err() if ctx is done first.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	q := r.q
	for {
		q.mu.Lock()
		if q.recvGone {
			q.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		if q.head < len(q.items) {
			v := q.pop()
			q.mu.Unlock()
			return v, nil
		}
		if q.senders == 0 {
			q.mu.Unlock()
			q.closeOnce.Do(func() { close(q.closed) })
			var zero T
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close drops the consumer. Subsequent sends fail with ErrDisconnected and
// every item still queued is discarded. It is idempotent.
func (r *Receiver[T]) Close() error {
	q := r.q
	q.mu.Lock()
	if q.recvGone {
		q.mu.Unlock()
		return nil
	}
	q.recvGone = true
	pending := q.items[q.head:]
	q.items = nil
	q.head = 0
	q.mu.Unlock()

	q.closeOnce.Do(func() { close(q.closed) })
	q.signal()

	for _, v := range pending {
		discard(v)
	}
	return nil
}

// Len returns the number of queued items.
func (r *Receiver[T]) Len() int {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return len(r.q.items) - r.q.head
}

// Closed is closed once the queue reached end-of-stream or the consumer was
// dropped.
func (r *Receiver[T]) Closed() <-chan struct{} {
	return r.q.closed
}

// pop removes the head item. The caller must hold q.mu.
func (q *queue[T]) pop() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head++
	// compact once the consumed prefix dominates the backing array
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return v
}

func (q *queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func discard[T any](v T) {
	if d, ok := any(v).(Discarder); ok {
		d.Discard()
	}
}
