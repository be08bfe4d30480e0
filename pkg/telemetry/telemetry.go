// Package telemetry 初始化 OpenTelemetry（traces、metrics）並提供 NATS 的追蹤傳遞
//
// 未啟用時只設定 W3C Trace Context 傳遞器，全域 TracerProvider / MeterProvider
// 保持 noop，呼叫端不需要區分兩種情況。
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options 遙測設定
type Options struct {
	Enabled     bool
	ServiceName string
	Endpoint    string // OTLP gRPC 端點（host:port），空字串時使用 OTEL_EXPORTER_OTLP_ENDPOINT
	Insecure    bool
}

// Shutdown 關閉 provider 並送出剩餘資料
type Shutdown func(context.Context) error

// Init 初始化 OpenTelemetry，回傳的 Shutdown 必須在程式結束前呼叫
func Init(ctx context.Context, opts Options, logger *slog.Logger) (Shutdown, error) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "checkers-matchmaking"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Trace exporter
	traceOpts := []otlptracegrpc.Option{}
	if opts.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracegrpc.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric exporter
	metricOpts := []otlpmetricgrpc.Option{}
	if opts.Endpoint != "" {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint))
	}
	if opts.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logger.Info("OpenTelemetry initialized", "service", serviceName, "endpoint", opts.Endpoint)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
