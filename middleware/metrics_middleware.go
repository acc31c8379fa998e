package middleware

import (
	"context"
	"time"

	"chanrpc/message"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricCallCount      = []string{"chanrpc", "call", "count"}
	MetricCallErrorCount = []string{"chanrpc", "call", "error", "count"}
	MetricCallLatency    = []string{"chanrpc", "call", "latency"}
)

// LabelMethod is attached to every metric emitted by Metrics.
const LabelMethod = "method"

type metricsService[Req, Resp any] struct {
	inner  Service[Req, Resp]
	sink   metrics.MetricSink
	labels []metrics.Label
}

// Metrics counts calls and failed calls, and samples call latency in
// milliseconds, per method. labels are added to every metric. A nil sink uses
// the global go-metrics sink.
func Metrics[Req, Resp any](inner Service[Req, Resp], sink metrics.MetricSink, labels ...metrics.Label) Service[Req, Resp] {
	if sink == nil {
		sink = metrics.Default()
	}
	return &metricsService[Req, Resp]{inner: inner, sink: sink, labels: labels}
}

// MetricsMiddleware returns a Layer applying Metrics.
func MetricsMiddleware[Req, Resp any](sink metrics.MetricSink, labels ...metrics.Label) Layer[Req, Resp] {
	return func(next Service[Req, Resp]) Service[Req, Resp] {
		return Metrics(next, sink, labels...)
	}
}

func (s *metricsService[Req, Resp]) Ready(ctx context.Context) error {
	return s.inner.Ready(ctx)
}

func (s *metricsService[Req, Resp]) Call(ctx context.Context, req Req) Future[Resp] {
	start := time.Now()
	mLabels := append(s.labels[:len(s.labels):len(s.labels)],
		metrics.Label{Name: LabelMethod, Value: message.MethodOf(req)})

	s.sink.IncrCounterWithLabels(MetricCallCount, 1, mLabels)
	return observe(s.inner.Call(ctx, req), func(_ Resp, err error) {
		if err != nil {
			s.sink.IncrCounterWithLabels(MetricCallErrorCount, 1, mLabels)
		}
		elapsed := float32(time.Since(start)) / float32(time.Millisecond)
		s.sink.AddSampleWithLabels(MetricCallLatency, elapsed, mLabels)
	})
}

func (s *metricsService[Req, Resp]) Clone() Service[Req, Resp] {
	return &metricsService[Req, Resp]{inner: Clone(s.inner), sink: s.sink, labels: s.labels}
}

func (s *metricsService[Req, Resp]) Close() error {
	return Close(s.inner)
}
