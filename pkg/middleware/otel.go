package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/serversignal/pkg/server"
	"github.com/vango-dev/serversignal/pkg/signal"
)

const defaultTracerName = "serversignal"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "serversignal").
	TracerName string

	// TracerProvider supplies the tracer. If nil, the global provider is
	// used.
	TracerProvider trace.TracerProvider

	// Filter determines which broadcasts to trace.
	// If nil, all broadcasts are traced.
	Filter func(b *server.Broadcast) bool

	// AttributeExtractor adds custom attributes to each broadcast span.
	AttributeExtractor func(b *server.Broadcast) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithBroadcastFilter sets a filter function for broadcasts.
func WithBroadcastFilter(filter func(b *server.Broadcast) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(b *server.Broadcast) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func defaultOTelConfig() OTelConfig {
	return OTelConfig{TracerName: defaultTracerName}
}

func (c OTelConfig) tracer() trace.Tracer {
	if c.TracerProvider != nil {
		return c.TracerProvider.Tracer(c.TracerName)
	}
	return otel.Tracer(c.TracerName)
}

// OpenTelemetry creates middleware that traces every broadcast.
//
// Each span carries the signal name, sequence number and patch size at
// start, and the recipient and dropped counts once the fan-out returns.
// The span context is passed to the rest of the chain, so inner middleware
// can read it with trace.SpanFromContext.
//
// Without WithTracerProvider the global provider is used. Configure it in
// main() before starting the server:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
func OpenTelemetry(opts ...OTelOption) server.Middleware {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	tracer := config.tracer()

	return func(ctx context.Context, b *server.Broadcast, next func(context.Context) error) error {
		if config.Filter != nil && !config.Filter(b) {
			return next(ctx)
		}

		attrs := updateAttributes(b.Update)
		attrs = append(attrs, attribute.Int("serversignal.frame_bytes", b.FrameSize))
		if config.AttributeExtractor != nil {
			attrs = append(attrs, config.AttributeExtractor(b)...)
		}

		spanCtx, span := tracer.Start(ctx, "serversignal.broadcast "+b.Update.Name,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		err := next(spanCtx)

		span.SetAttributes(
			attribute.Int("serversignal.recipients", b.Recipients),
			attribute.Int("serversignal.dropped", b.Dropped),
		)
		endSpan(span, err)
		return err
	}
}

// TraceSink wraps sink so every update sent through it gets a span.
// It fits server.LoopConfig.WrapSink.
func TraceSink(sink signal.Sink, opts ...OTelOption) signal.Sink {
	config := defaultOTelConfig()
	for _, opt := range opts {
		opt(&config)
	}
	tracer := config.tracer()

	return signal.SinkFunc(func(ctx context.Context, u *signal.Update) error {
		ctx, span := tracer.Start(ctx, "serversignal.send "+u.Name,
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(updateAttributes(u)...),
		)
		defer span.End()

		err := sink.SendUpdate(ctx, u)
		endSpan(span, err)
		return err
	})
}

func updateAttributes(u *signal.Update) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("serversignal.signal", u.Name),
		attribute.Int64("serversignal.seq", int64(u.Seq)),
		attribute.Int("serversignal.patch_bytes", len(u.Patch)),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
