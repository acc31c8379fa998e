package middleware

import (
	"context"
	"time"

	"chanrpc/message"

	"go.uber.org/zap"
)

type logging[Req, Resp any] struct {
	inner  Service[Req, Resp]
	logger *zap.Logger
}

// Logging logs the method, duration and error of every call at debug level,
// and failed calls at warn level. The duration runs from Call until the
// response is available.
func Logging[Req, Resp any](inner Service[Req, Resp], logger *zap.Logger) Service[Req, Resp] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logging[Req, Resp]{inner: inner, logger: logger}
}

// LoggingMiddleware returns a Layer applying Logging.
func LoggingMiddleware[Req, Resp any](logger *zap.Logger) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return Logging(next, logger)
	}
}

func (s *logging[Req, Resp]) Ready(ctx context.Context) error {
	return s.inner.Ready(ctx)
}

func (s *logging[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	start := time.Now()
	method := message.MethodOf(req)
	return observe(s.inner.Call(ctx, req), func(_ Resp, err error) {
		fields := []zap.Field{
			zap.String("method", method),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			s.logger.Warn("call failed", append(fields, zap.Error(err))...)
			return
		}
		s.logger.Debug("call", fields...)
	})
}

func (s *logging[Req, Resp]) Clone() Service[Req, Resp] {
	return &logging[Req, Resp]{inner: Clone(s.inner), logger: s.logger}
}

func (s *logging[Req, Resp]) Close() error {
	return Close(s.inner)
}
