package middleware

import (
	"context"
	"fmt"
	"time"

	"chanrpc/message"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/time/rate"
)

type rateLimit[Req, Resp any] struct {
	inner   Service[Req, Resp]
	limiter *rate.Limiter
}

// RateLimit admits at most k calls per window per. Excess calls wait in
// Ready until the limiter permits them; they are never rejected. Admissions
// are spaced per/k apart, so no window of length per sees more than k.
// Clones share the same limiter.
func RateLimit[Req, Resp any](inner Service[Req, Resp], k int, per time.Duration) Service[Req, Resp] {
	if k <= 0 || per <= 0 {
		panic(fmt.Sprintf("middleware: invalid rate limit %d per %s", k, per))
	}
	return &rateLimit[Req, Resp]{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(per/time.Duration(k)), 1),
	}
}

// RateLimitMiddleware returns a Layer applying RateLimit.
func RateLimitMiddleware[Req, Resp any](k int, per time.Duration) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return RateLimit(next, k, per)
	}
}

func (s *rateLimit[Req, Resp]) Ready(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.inner.Ready(ctx)
}

func (s *rateLimit[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	return s.inner.Call(ctx, req)
}

func (s *rateLimit[Req, Resp]) Clone() Service[Req, Resp] {
	return &rateLimit[Req, Resp]{inner: Clone(s.inner), limiter: s.limiter}
}

func (s *rateLimit[Req, Resp]) Close() error {
	return Close(s.inner)
}

type categoryRateLimit[Req, Resp any] struct {
	inner    Service[Req, Resp]
	limiter  *catrate.Limiter
	category func(Req) any
}

// CategoryRateLimit applies independent sliding-window limits to each
// category of request, e.g. to each method of an interface. rates maps a
// window to the maximum number of calls within it; shorter windows must not
// allow fewer calls than longer ones. category defaults to message.MethodOf.
//
// The category of a call is only known once it is made, so Ready only
// reports the readiness of inner after the category admitted the call: Call
// waits for its category, then for inner, and never rejects.
func CategoryRateLimit[Req, Resp any](inner Service[Req, Resp], rates map[time.Duration]int, category func(Req) any) Service[Req, Resp] {
	if category == nil {
		category = func(req Req) any { return message.MethodOf(req) }
	}
	return &categoryRateLimit[Req, Resp]{
		inner:    inner,
		limiter:  catrate.NewLimiter(rates),
		category: category,
	}
}

// CategoryRateLimitMiddleware returns a Layer applying CategoryRateLimit.
func CategoryRateLimitMiddleware[Req, Resp any](rates map[time.Duration]int, category func(Req) any) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return CategoryRateLimit(next, rates, category)
	}
}

func (s *categoryRateLimit[Req, Resp]) Ready(context.Context) error {
	return nil
}

func (s *categoryRateLimit[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	cat := s.category(req)
	for {
		next, ok := s.limiter.Allow(cat)
		if ok {
			break
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero Resp
			return Resolve(zero, ctx.Err())
		case <-timer.C:
		}
	}
	if err := s.inner.Ready(ctx); err != nil {
		var zero Resp
		return Resolve(zero, err)
	}
	return s.inner.Call(ctx, req)
}

func (s *categoryRateLimit[Req, Resp]) Clone() Service[Req, Resp] {
	return &categoryRateLimit[Req, Resp]{inner: Clone(s.inner), limiter: s.limiter, category: s.category}
}

func (s *categoryRateLimit[Req, Resp]) Close() error {
	return Close(s.inner)
}
