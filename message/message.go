// Package message defines the envelope contract shared by generated stubs and
// the runtime.
//
// An Envelope is one concrete call: the argument values of one interface
// method plus the write-end of a reply slot typed to that method's result.
// Generated code declares one envelope case per method; the set of cases is
// sealed, so a dispatcher can switch over it exhaustively.
//
//	Client stub ──(args + ReplyWriter)──→ Envelope ──→ transport ──→ dispatcher
//	                 ReplyReader ←────────── outcome ←──────────────────┘
package message

import (
	"errors"
	"fmt"

	"chanrpc/transport"
)

// ErrHandlerPanic is wrapped by the error Complete returns when a handler
// panicked. The reply is discarded, so the caller observes
// transport.ErrDisconnected.
var ErrHandlerPanic = errors.New("message: handler panicked")

// Ack is the response type of envelope-level services. The outcome of the
// call itself travels through the envelope's reply slot.
type Ack = struct{}

// Envelope is implemented by every generated request case.
type Envelope interface {
	// Method returns the name of the interface method, for labelling only.
	Method() string

	// Done is closed once the reply slot was written or discarded.
	Done() <-chan struct{}

	// Discard drops the reply write-end unused. It is a no-op once the reply
	// was written.
	Discard()
}

// Keyed is optionally implemented by requests that carry a routing key, see
// loadbalance.ConsistentHashBalancer.
type Keyed interface {
	Key() string
}

// MethodOf returns the method label of req, or "" if req is not an Envelope.
func MethodOf(req any) string {
	if env, ok := req.(Envelope); ok {
		return env.Method()
	}
	return ""
}

// Complete runs fn and writes its outcome to w.
//
// A write rejected because the caller abandoned the call is ignored. If fn
// panics, the reply is discarded and an error wrapping ErrHandlerPanic is
// returned; the panic does not propagate.
func Complete[T any](w *transport.ReplyWriter[T], fn func() (T, error)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.Discard()
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	value, appErr := fn()
	if err := w.Write(value, appErr); err != nil && !errors.Is(err, transport.ErrAbandoned) {
		return err
	}
	return nil
}
