package middleware

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/serversignal/pkg/server"
	"github.com/vango-dev/serversignal/pkg/signal"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, trace.TracerProvider) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return sr, tp
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestOpenTelemetryMiddleware_RecordsBroadcastSpan(t *testing.T) {
	sr, tp := newRecorder(t)
	mw := OpenTelemetry(
		WithTracerProvider(tp),
		WithAttributeExtractor(func(*server.Broadcast) []attribute.KeyValue {
			return []attribute.KeyValue{attribute.String("test.attr", "ok")}
		}),
	)

	b := newBroadcast("counter", 4)
	err := mw(context.Background(), b, func(ctx context.Context) error {
		if !trace.SpanFromContext(ctx).SpanContext().IsValid() {
			t.Error("expected a span in the context passed to next")
		}
		b.Recipients = 2
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "serversignal.broadcast counter" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindProducer {
		t.Errorf("span kind = %v, want producer", span.SpanKind())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status().Code)
	}

	attrs := attrMap(span)
	if got := attrs["serversignal.signal"].AsString(); got != "counter" {
		t.Errorf("signal attr = %q", got)
	}
	if got := attrs["serversignal.seq"].AsInt64(); got != 4 {
		t.Errorf("seq attr = %d, want 4", got)
	}
	if got := attrs["serversignal.recipients"].AsInt64(); got != 2 {
		t.Errorf("recipients attr = %d, want 2", got)
	}
	if got := attrs["test.attr"].AsString(); got != "ok" {
		t.Errorf("custom attr = %q", got)
	}
}

func TestOpenTelemetryMiddleware_ErrorStatus(t *testing.T) {
	sr, tp := newRecorder(t)

	wantErr := errors.New("boom")
	err := OpenTelemetry(WithTracerProvider(tp))(context.Background(), newBroadcast("counter", 1),
		func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected error %v, got %v", wantErr, err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want Error", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected the error to be recorded as a span event")
	}
}

func TestOpenTelemetryMiddleware_FilterSkipsTracing(t *testing.T) {
	sr, tp := newRecorder(t)
	mw := OpenTelemetry(
		WithTracerProvider(tp),
		WithBroadcastFilter(func(b *server.Broadcast) bool { return b.Update.Name != "noisy" }),
	)

	nextCalled := false
	err := mw(context.Background(), newBroadcast("noisy", 1), func(ctx context.Context) error {
		nextCalled = true
		if trace.SpanFromContext(ctx).SpanContext().IsValid() {
			t.Error("expected no span when the filter skips tracing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !nextCalled {
		t.Fatal("expected next to be called")
	}
	if n := len(sr.Ended()); n != 0 {
		t.Fatalf("ended spans = %d, want 0", n)
	}
}

func TestTraceSink(t *testing.T) {
	sr, tp := newRecorder(t)

	var sent []*signal.Update
	sink := TraceSink(signal.SinkFunc(func(ctx context.Context, u *signal.Update) error {
		sent = append(sent, u)
		if u.Seq == 2 {
			return errors.New("write failed")
		}
		return nil
	}), WithTracerProvider(tp), WithTracerName("loop"))

	if err := sink.SendUpdate(context.Background(), &signal.Update{Name: "counter", Seq: 1, Patch: []byte(`[]`)}); err != nil {
		t.Fatal(err)
	}
	if err := sink.SendUpdate(context.Background(), &signal.Update{Name: "counter", Seq: 2, Patch: []byte(`[]`)}); err == nil {
		t.Fatal("expected the inner sink error")
	}

	if len(sent) != 2 {
		t.Fatalf("inner sink saw %d updates, want 2", len(sent))
	}
	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "serversignal.send counter" || spans[0].InstrumentationScope().Name != "loop" {
		t.Errorf("span = %q scope %q", spans[0].Name(), spans[0].InstrumentationScope().Name)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("second span status = %v, want Error", spans[1].Status().Code)
	}
}
