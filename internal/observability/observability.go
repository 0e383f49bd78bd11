// Package observability wires OpenTelemetry tracing and metrics for the
// authorization gateway, grounded on the teacher pack's
// pkg/observability exporter-manager pattern (therealutkarshpriyadarshi-
// containr) simplified to the stdout exporters: this core already emits
// Prometheus metrics directly via promauto (see adapter/inbound/http), so
// the OTel metric pipeline here exists for the trace-adjacent span
// metrics an operator wants alongside traces, not as a Prometheus
// replacement.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures the tracing/metrics pipeline (§11 observability).
type Config struct {
	Enabled     bool
	ServiceName string
}

// Providers holds the constructed tracer and meter, and a Shutdown hook
// that flushes and closes both exporters.
type Providers struct {
	Tracer   oteltrace.Tracer
	Meter    metric.Meter
	Shutdown func(ctx context.Context) error
}

// noopShutdown is returned when tracing is disabled, so callers can defer
// Shutdown unconditionally.
func noopShutdown(context.Context) error { return nil }

// Init builds a stdout-backed tracer and meter provider. Intended for dev
// mode and for operators without an OTLP collector; a pretty-printed span
// stream on stderr is enough to debug the authorize hot path's span tree
// (one span per Authorize call, a child span per engine evaluation)
// without standing up collector infrastructure.
func Init(cfg Config) (*Providers, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "mcp-guard"
	}

	if !cfg.Enabled {
		return &Providers{
			Tracer:   otel.Tracer(name),
			Meter:    otel.Meter(name),
			Shutdown: noopShutdown,
		}, nil
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("build stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("build stdout metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)))
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		mErr := mp.Shutdown(ctx)
		if tErr != nil {
			return tErr
		}
		return mErr
	}

	return &Providers{
		Tracer:   otel.Tracer(name),
		Meter:    otel.Meter(name),
		Shutdown: shutdown,
	}, nil
}
