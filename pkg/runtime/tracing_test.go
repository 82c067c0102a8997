package runtime

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wilhg/schemeadapter/pkg/bus"
)

// The runner and the repository below it report their work as spans.
func TestTracing_HandleCommandSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture()
	r := NewRunner[counter](f.repo, counterModel{}, JSONCodec[counter]{}, bus.NewLogPublisher(f.ls, 1))
	if _, err := r.HandleCommand(context.Background(), inc("c1", 1)); err != nil {
		t.Fatal(err)
	}
	f.repo.WaitBackfills()

	var root sdktrace.ReadOnlySpan
	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
		if s.Name() == "Runner.HandleCommand" {
			root = s
		}
	}
	if root == nil {
		t.Fatalf("no Runner.HandleCommand span in %v", names)
	}
	if !names["StateRepository.Load"] {
		t.Fatalf("no repository span in %v", names)
	}
	found := false
	for _, kv := range root.Attributes() {
		if string(kv.Key) == "aggregate.id" && kv.Value.AsString() == "c1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("attributes=%v", root.Attributes())
	}
}
