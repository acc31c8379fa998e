// Package client provides the terminal client-side Service: it hands request
// envelopes to a server over a transport channel. Generated client stubs are
// built on top of it, usually with client-side middleware in between.
package client

import (
	"context"
	"errors"

	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/transport"
)

var ErrNilSender = errors.New("client: nil sender")

// Channel sends envelopes of type E over a transport channel. It is always
// ready, since the channel is unbounded. The Future returned by Call resolves
// once the envelope's reply slot was written or discarded; the outcome
// itself is read from the envelope's own reply slot.
//
// A Channel is safe for concurrent use. Clone returns an independent handle
// on the same channel; the server sees end-of-stream once every handle is
// closed.
type Channel[E message.Envelope] struct {
	sender *transport.Sender[E]
}

// NewChannel wraps sender. The Channel takes ownership of it.
func NewChannel[E message.Envelope](sender *transport.Sender[E]) *Channel[E] {
	if sender == nil {
		panic(ErrNilSender)
	}
	return &Channel[E]{sender: sender}
}

// Pipe creates a transport channel and returns both ends: the client side
// wrapped in a Channel, and the receiver to pass to a server.
func Pipe[E message.Envelope]() (*Channel[E], *transport.Receiver[E]) {
	s, r := transport.NewChannel[E]()
	return NewChannel(s), r
}

func (c *Channel[E]) Ready(context.Context) error { return nil }

// Call sends env. If the server is gone, env is discarded and the returned
// Future fails with transport.ErrDisconnected.
func (c *Channel[E]) Call(_ context.Context, env E) middleware.Future[message.Ack] {
	if err := c.sender.Send(env); err != nil {
		return middleware.Resolve(message.Ack{}, err)
	}
	return delivered[E]{env: env}
}

// Clone returns a new handle on the same channel.
func (c *Channel[E]) Clone() middleware.Service[E, message.Ack] {
	return &Channel[E]{sender: c.sender.Clone()}
}

// Close releases this handle. It is idempotent.
func (c *Channel[E]) Close() error {
	return c.sender.Close()
}

// Disconnected reports whether the server dropped the channel.
func (c *Channel[E]) Disconnected() bool {
	return c.sender.Disconnected()
}

// delivered resolves once the server completed or dropped the envelope.
type delivered[E message.Envelope] struct {
	env E
}

func (d delivered[E]) Await(ctx context.Context) (message.Ack, error) {
	select {
	case <-d.env.Done():
		return message.Ack{}, nil
	case <-ctx.Done():
		return message.Ack{}, ctx.Err()
	}
}

func (d delivered[E]) Done() <-chan struct{} {
	return d.env.Done()
}
