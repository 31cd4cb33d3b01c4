package tracing

import (
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{ServiceName: "adherence-api"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Errorf("propagator fields = %v, want traceparent", fields)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "root:AlwaysOnSampler"},
		{0, "root:AlwaysOffSampler"},
		{0.25, "root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := Sampler(tt.rate).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("Sampler(%v) = %s, want to contain %s", tt.rate, got, tt.want)
		}
	}
}
