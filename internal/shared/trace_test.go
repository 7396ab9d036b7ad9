package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	id := NewTraceID()
	if got := TraceID(WithTraceID(ctx, id)); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
	if got := TraceID(WithTraceID(ctx, "")); got != "-" {
		t.Fatalf("empty trace id must fall back to -, got %q", got)
	}
}

func TestConnAndPlugin_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if ConnID(ctx) != "" || Plugin(ctx) != "" {
		t.Fatalf("expected empty defaults")
	}
	a, b := NewConnID(), NewConnID()
	if a == b {
		t.Fatalf("connection ids must be unique")
	}
	ctx = WithPlugin(WithConnID(ctx, a), "echo")
	if ConnID(ctx) != a || Plugin(ctx) != "echo" {
		t.Fatalf("round trip failed: %q %q", ConnID(ctx), Plugin(ctx))
	}
}
