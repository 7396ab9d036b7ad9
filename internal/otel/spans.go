package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrPluginName  = attribute.Key("plat.plugin.name")
	AttrConfirmKind = attribute.Key("plat.confirm.kind")
	AttrLockID      = attribute.Key("plat.lock.id")
	AttrConnID      = attribute.Key("plat.conn.id")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan starts a span for a request served to a browser or plugin client.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, name, trace.SpanKindServer, attrs)
}

func start(ctx context.Context, tracer trace.Tracer, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = NoopTracer()
	}
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}
