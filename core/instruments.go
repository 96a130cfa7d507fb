package core

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"gasrelay/core/types"
)

// instruments are the OpenTelemetry counterparts of the prometheus
// collectors, exported through the OTLP meter provider.
type instruments struct {
	admitted  metric.Int64Counter
	finalized metric.Int64Counter
	duration  metric.Float64Histogram
}

func newInstruments(m metric.Meter) instruments {
	var inst instruments
	var err error
	if inst.admitted, err = m.Int64Counter("gasrelay.requests.admitted",
		metric.WithDescription("Requests admitted into the execution queue.")); err != nil {
		inst.admitted = noop.Int64Counter{}
	}
	if inst.finalized, err = m.Int64Counter("gasrelay.requests.finalized",
		metric.WithDescription("Requests that reached a terminal state.")); err != nil {
		inst.finalized = noop.Int64Counter{}
	}
	if inst.duration, err = m.Float64Histogram("gasrelay.execution.duration",
		metric.WithDescription("Target invocation latency."), metric.WithUnit("s")); err != nil {
		inst.duration = noop.Float64Histogram{}
	}
	return inst
}

func (i instruments) recordAdmitted(ctx context.Context, network uint64) {
	i.admitted.Add(ctx, 1, metric.WithAttributes(attribute.String("network", strconv.FormatUint(network, 10))))
}

func (i instruments) recordFinalized(ctx context.Context, network uint64, status types.Status, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("network", strconv.FormatUint(network, 10)),
		attribute.String("status", status.String()),
	)
	i.finalized.Add(ctx, 1, attrs)
	i.duration.Record(ctx, d.Seconds(), attrs)
}
