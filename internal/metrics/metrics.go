package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	ResultOK     = "ok"
	ResultFailed = "failed"

	HeaderCaptured  = "captured"
	HeaderDelivered = "delivered"
)

type Metrics struct {
	RequestsMetric        metric.Int64Counter
	RequestDurationMetric metric.Int64Histogram
	HeaderMetric          metric.Int64Counter
	SlotsUsedMetric       metric.Int64UpDownCounter
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("internal.metrics")

	requests, err := meter.Int64Counter("vbswap.requests",
		metric.WithDescription("Block requests handled by the device"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get requests metric: %w", err)
	}

	duration, err := meter.Int64Histogram("vbswap.requests.duration",
		metric.WithDescription("Time to complete a block request"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get request duration metric: %w", err)
	}

	header, err := meter.Int64Counter("vbswap.header",
		metric.WithDescription("Swap header page transitions"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get header metric: %w", err)
	}

	slots, err := meter.Int64UpDownCounter("vbswap.nbd.slots_pool.used",
		metric.WithDescription("Number of nbd slots held by the device."),
		metric.WithUnit("{slot}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get nbd slots metric: %w", err)
	}

	return Metrics{
		RequestsMetric:        requests,
		RequestDurationMetric: duration,
		HeaderMetric:          header,
		SlotsUsedMetric:       slots,
	}, nil
}

// NewNoop returns instruments that record nothing.
func NewNoop() Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Microseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
