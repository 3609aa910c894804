// Package tracing wraps OpenTelemetry for the peer protocol. Spans are only
// recorded after Setup enabled a provider; otherwise StartSpan is free.
package tracing

import (
    "context"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    "go.opentelemetry.io/otel/sdk/resource"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"
    "go.uber.org/atomic"
)

const tracerName = "github.com/amirimatin/go-clustercore"

var enabled atomic.Bool

type Options struct {
    // Node is recorded on every span as node.fqdn.
    Node string
    // Exporter defaults to pretty-printed spans on stdout.
    Exporter sdktrace.SpanExporter
}

// Setup installs a global tracer provider and returns its shutdown func,
// which flushes pending spans.
func Setup(opts Options) (func(context.Context) error, error) {
    exp := opts.Exporter
    if exp == nil {
        var err error
        if exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint()); err != nil { return nil, err }
    }
    res := resource.NewSchemaless(
        attribute.String("service.name", "clustercore"),
        attribute.String("node.fqdn", opts.Node),
    )
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
    otel.SetTracerProvider(tp)
    enabled.Store(true)
    return func(ctx context.Context) error {
        enabled.Store(false)
        return tp.Shutdown(ctx)
    }, nil
}

func StartSpan(ctx context.Context, name string) (context.Context, func()) {
    return StartSpanWith(ctx, name)
}

// StartSpanWith starts a span carrying attrs, typically Peer.
func StartSpanWith(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
    if !enabled.Load() { return ctx, func() {} }
    ctx, span := otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
    return ctx, func() { span.End() }
}

// Peer names the remote node of a span.
func Peer(fqdn string) attribute.KeyValue { return attribute.String("peer.fqdn", fqdn) }
