package internal

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "checkers-matchmaking"

// Metrics 配對服務的 OpenTelemetry 指標
//
// 未設定 MeterProvider 時使用全域 noop provider，記錄成本可忽略。
type Metrics struct {
	events   metric.Int64Counter
	duration metric.Float64Histogram
	reaped   metric.Int64Counter
}

// NewMetrics 從 meter 建立指標，meter 為 nil 時使用全域 provider
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	events, err := meter.Int64Counter("matchmaking.events",
		metric.WithDescription("Number of handled events by type and outcome"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("matchmaking.event.duration",
		metric.WithDescription("Event handling latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	reaped, err := meter.Int64Counter("matchmaking.presence.reaped",
		metric.WithDescription("Records removed because their connection was gone"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{events: events, duration: duration, reaped: reaped}, nil
}

func (m *Metrics) recordEvent(ctx context.Context, event string, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("status", string(status)),
	)
	m.events.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func (m *Metrics) recordReaped(ctx context.Context, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.reaped.Add(ctx, n)
}
