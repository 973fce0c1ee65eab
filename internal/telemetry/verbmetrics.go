package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// VerbMetrics records per-verb call counts and latency for the seven core
// partition RPCs plus the push protocol, tagged by verb and response
// status code.
type VerbMetrics struct {
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewVerbMetrics(meter metric.Meter) (*VerbMetrics, error) {
	calls, err := meter.Int64Counter("k23si_verb_calls_total",
		metric.WithDescription("count of partition verb invocations by verb and status"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("k23si_verb_latency_seconds",
		metric.WithDescription("partition verb handler latency"))
	if err != nil {
		return nil, err
	}
	return &VerbMetrics{calls: calls, latency: latency}, nil
}

// Observe records one completed verb call. statusCode is the dto.StatusCode
// String() form so this package stays independent of the dto package.
func (m *VerbMetrics) Observe(ctx context.Context, verb, statusCode string, start time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("verb", verb),
		attribute.String("status", statusCode),
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
}
