package redpanda

import (
	"context"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicDoseStatus}
	injectTraceHeaders(ctx, record)
	if got := (headerCarrier{record: record}).Get("traceparent"); got == "" {
		t.Fatal("traceparent header not written")
	}

	out := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if out.TraceID() != traceID || out.SpanID() != spanID || !out.IsRemote() {
		t.Errorf("extracted span context = %+v", out)
	}
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}
	c.Set("k", "1")
	c.Set("k", "2")
	if len(record.Headers) != 1 || c.Get("k") != "2" {
		t.Errorf("headers = %+v", record.Headers)
	}
	if keys := c.Keys(); len(keys) != 1 || keys[0] != "k" {
		t.Errorf("Keys() = %v", keys)
	}
}
