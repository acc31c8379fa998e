// Package server implements the server loop: it drains request envelopes
// from a transport channel and dispatches each one to a Service, typically a
// generated dispatcher wrapped in server-side middleware.
//
// Request processing pipeline:
//
//	Receiver.Recv → Ready (backpressure) → Middleware Chain → dispatcher.Call
//	  → handler runs and writes the envelope's reply slot
//
// The loop never waits for a response before receiving the next envelope:
// calls whose future is still pending are tracked in the background so that
// Shutdown can wait for them.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chanrpc/message"
	"chanrpc/middleware"
	"chanrpc/registry"
	"chanrpc/transport"

	"go.uber.org/zap"
)

var (
	ErrServerStarted   = errors.New("server: already serving")
	ErrShutdownTimeout = errors.New("server: timeout waiting for in-flight calls")
)

type options struct {
	logger   *zap.Logger
	name     string
	registry registry.Registry
	instance registry.ServiceInstance
	ttl      int64
}

type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithName names the server in log entries and, with WithRegistry, is the
// service name it registers under.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithRegistry registers instance with reg while Serve runs. The instance is
// deregistered before the server stops.
func WithRegistry(reg registry.Registry, instance registry.ServiceInstance, ttl int64) Option {
	return func(o *options) {
		o.registry = reg
		o.instance = instance
		o.ttl = ttl
	}
}

// Server runs one loop over one Receiver.
type Server[E message.Envelope] struct {
	recv   *transport.Receiver[E]
	svc    middleware.Service[E, message.Ack]
	layers []middleware.Layer[E, message.Ack]
	opts   options
	logger *zap.Logger

	wg       sync.WaitGroup // in-flight calls with a pending future
	started  atomic.Bool
	shutdown atomic.Bool
	stopped  chan struct{} // closed when Serve returns

	// set by Serve: stopLoop interrupts the loop, cancelCalls the context
	// handed to handlers
	mu          sync.Mutex
	stopLoop    context.CancelFunc
	cancelCalls context.CancelFunc
}

// New creates a server dispatching the envelopes received from recv to svc.
func New[E message.Envelope](recv *transport.Receiver[E], svc middleware.Service[E, message.Ack], opts ...Option) *Server[E] {
	o := options{name: "chanrpc"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Server[E]{
		recv:    recv,
		svc:     svc,
		opts:    o,
		logger:  o.logger.With(zap.String("server", o.name)),
		stopped: make(chan struct{}),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are
// added, the first one outermost, when Serve starts.
func (s *Server[E]) Use(layer middleware.Layer[E, message.Ack]) {
	s.layers = append(s.layers, layer)
}

// Serve runs the loop until every client handle is closed, Shutdown is
// called, or ctx ends. It returns nil in the first two cases and ctx.Err()
// in the last, after dropping the receiver. The service, wrapped in the
// registered middlewares, is closed before Serve returns.
//
// Handlers do not run under ctx: a call keeps running after its caller gave
// up, and after Serve returned. Its context is cancelled only when Shutdown
// gives up waiting.
func (s *Server[E]) Serve(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrServerStarted
	}
	defer close(s.stopped)

	handler := middleware.Chain(s.layers...)(s.svc)
	defer s.closeHandler(handler)

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.stopLoop = stopLoop
	s.cancelCalls = cancelCalls
	s.mu.Unlock()
	if s.shutdown.Load() {
		stopLoop()
	}

	if s.opts.registry != nil {
		if err := s.opts.registry.Register(s.opts.name, s.opts.instance, s.opts.ttl); err != nil {
			s.recv.Close()
			return fmt.Errorf("server: register %s: %w", s.opts.instance.ID, err)
		}
		defer s.deregister()
	}

	s.logger.Debug("serving")
	for {
		env, err := s.recv.Recv(loopCtx)
		if err != nil {
			return s.stop(ctx, err)
		}

		if err := handler.Ready(loopCtx); err != nil {
			env.Discard()
			if loopCtx.Err() != nil {
				return s.stop(ctx, err)
			}
			s.logger.Warn("service not ready, dropping call",
				zap.String("method", env.Method()), zap.Error(err))
			continue
		}

		s.dispatch(callCtx, handler, env)
	}
}

// stop maps the error that ended the loop to the result of Serve.
func (s *Server[E]) stop(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, transport.ErrClosed):
		s.logger.Debug("end of stream")
		return nil
	case s.shutdown.Load():
		s.logger.Debug("shut down")
		return nil
	}
	s.recv.Close()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Server[E]) dispatch(ctx context.Context, handler middleware.Service[E, message.Ack], env E) {
	fut := handler.Call(ctx, env)
	select {
	case <-fut.Done():
		s.finish(ctx, fut, env)
		return
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.finish(ctx, fut, env)
	}()
}

func (s *Server[E]) finish(ctx context.Context, fut middleware.Future[message.Ack], env E) {
	if _, err := fut.Await(ctx); err != nil {
		env.Discard()
		s.logger.Warn("call failed", zap.String("method", env.Method()), zap.Error(err))
	}
}

func (s *Server[E]) closeHandler(handler middleware.Service[E, message.Ack]) {
	if err := middleware.Close(handler); err != nil {
		s.logger.Warn("failed to close service", zap.Error(err))
	}
}

func (s *Server[E]) deregister() {
	if err := s.opts.registry.Deregister(s.opts.name, s.opts.instance.ID); err != nil {
		s.logger.Warn("failed to deregister", zap.String("id", s.opts.instance.ID), zap.Error(err))
	}
}

// Shutdown performs graceful shutdown:
//  1. Drop the receiver: clients see transport.ErrDisconnected on their next
//     send, and every queued envelope is discarded.
//  2. Wait for Serve to return and deregister.
//  3. Wait for in-flight calls to finish, at most timeout. On timeout their
//     context is cancelled and ErrShutdownTimeout is returned.
func (s *Server[E]) Shutdown(timeout time.Duration) error {
	if s.shutdown.Swap(true) {
		return nil
	}
	s.recv.Close()
	s.mu.Lock()
	if s.stopLoop != nil {
		s.stopLoop()
	}
	s.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if s.started.Load() {
		select {
		case <-s.stopped:
		case <-deadline.C:
			s.cancel()
			return ErrShutdownTimeout
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-deadline.C:
		s.cancel()
		return ErrShutdownTimeout
	}
}

func (s *Server[E]) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCalls != nil {
		s.cancelCalls()
	}
}
