// Package tracing sets up OpenTelemetry tracing for backend calls.
package tracing

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds tracing configuration.
type Config struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	Exporter    string  `toml:"exporter" yaml:"exporter"` // otlp-http, none
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"` // localhost:4318
	Insecure    bool    `toml:"insecure" yaml:"insecure"`
	ServiceName string  `toml:"service_name" yaml:"service_name"`
	SampleRate  float64 `toml:"sample_rate" yaml:"sample_rate"`
}

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global atomic.Pointer[provider]

func init() {
	global.Store(&provider{tracer: noop.NewTracerProvider().Tracer("")})
}

// Init installs the global tracer provider. A disabled config installs a
// noop tracer.
func Init(ctx context.Context, cfg Config, version string) error {
	if !cfg.Enabled {
		global.Store(&provider{tracer: noop.NewTracerProvider().Tracer("")})
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp-http", "otlp", "":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporter = exp
	case "none":
		exporter = discardExporter{}
	default:
		return fmt.Errorf("unknown exporter: %s", cfg.Exporter)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate >= 0 && cfg.SampleRate < 1.0 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	global.Store(&provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true})
	return nil
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	p := global.Load()
	if p.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(ctx)
}

func Tracer() trace.Tracer {
	return global.Load().tracer
}

func Enabled() bool {
	return global.Load().enabled
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
