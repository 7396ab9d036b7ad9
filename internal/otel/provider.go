// Package otel sets up tracing and metrics for the daemon and plugin
// servers. With telemetry disabled every instrument is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// InstrumentationName names both the tracer and the meter.
	InstrumentationName = "plat"
	// Version is exported as the plat.version resource attribute.
	Version = "v0.3.0"
)

// Config is the otel block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default), stdout or none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled set to false keeps meters as no-ops while tracing runs.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider owns the tracer and meter handed to the rest of the process.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	closers []func(context.Context) error
}

// NoopTracer is the tracer components fall back to when none is configured.
func NoopTracer() trace.Tracer {
	return nooptrace.NewTracerProvider().Tracer(InstrumentationName)
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		MeterProvider: mp,
		Tracer:        NoopTracer(),
		Meter:         mp.Meter(InstrumentationName),
	}
}

// Init builds the providers for cfg and installs the tracer provider as the
// global one. Call Shutdown before exit to flush buffered spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = InstrumentationName
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(name),
		attribute.String("plat.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(InstrumentationName),
		closers:        []func(context.Context) error{tp.Shutdown},
	}
	if cfg.metricsOn() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.MeterProvider = mp
		p.closers = append(p.closers, mp.Shutdown)
	} else {
		p.MeterProvider = noop.NewMeterProvider()
	}
	p.Meter = p.MeterProvider.Meter(InstrumentationName)
	return p, nil
}

// sampler samples everything for rates outside (0,1) and otherwise follows
// the parent's decision, falling back to the ratio for root spans.
func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Shutdown flushes exporters. It is safe on a nil or disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}

// TracerOrNoop tolerates a nil provider.
func (p *Provider) TracerOrNoop() trace.Tracer {
	if p == nil || p.Tracer == nil {
		return NoopTracer()
	}
	return p.Tracer
}
