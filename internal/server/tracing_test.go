package server_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/torosent/gateprobe/internal/gate"
	"github.com/torosent/gateprobe/internal/gateclient"
	"github.com/torosent/gateprobe/internal/server"
	"github.com/torosent/gateprobe/internal/tracing"
)

func inMemoryProvider(t *testing.T, propagate bool) (*tracing.Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tracing.NewProvider(tp, propagate), exporter
}

func spanNamed(t *testing.T, exporter *tracetest.InMemoryExporter, name string) tracetest.SpanStub {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, s := range exporter.GetSpans() {
			if s.Name == name {
				return s
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no span %q among %d spans", name, len(exporter.GetSpans()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func intAttr(attrs []attribute.KeyValue, key string) (int64, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value.AsInt64(), true
		}
	}
	return 0, false
}

func TestTracedBlockReleaseContinuesProbeTrace(t *testing.T) {
	serverTP, serverSpans := inMemoryProvider(t, true)
	clientTP, clientSpans := inMemoryProvider(t, true)

	ts, g := newTestServer(t, gate.ModelLoop, server.Options{Tracing: serverTP})
	client := gateclient.New(ts.URL, gateclient.WithTracing(clientTP))

	var wg sync.WaitGroup
	var blockErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, blockErr = client.Block(context.Background(), 0, "traced")
	}()
	waitForWaiting(t, g, 1)

	if _, err := client.Release(context.Background(), gateclient.ReleaseParams{Rearm: true}); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	wg.Wait()
	if blockErr != nil {
		t.Fatalf("Block() error = %v", blockErr)
	}

	block := spanNamed(t, serverSpans, "GET /concurrency/block")
	if round, ok := intAttr(block.Attributes, "gate.round"); !ok || round != 1 {
		t.Errorf("block gate.round = %d (present %v), want 1", round, ok)
	}
	if _, ok := intAttr(block.Attributes, "gate.queued_position"); !ok {
		t.Error("block span missing gate.queued_position")
	}

	release := spanNamed(t, serverSpans, "POST /concurrency/release")
	if n, ok := intAttr(release.Attributes, "gate.released_waiting"); !ok || n != 1 {
		t.Errorf("release gate.released_waiting = %d (present %v), want 1", n, ok)
	}

	call := spanNamed(t, clientSpans, "GET /concurrency/block")
	if block.SpanContext.TraceID() != call.SpanContext.TraceID() {
		t.Error("server block span is not in the probe's trace")
	}
	if block.Parent.SpanID() != call.SpanContext.SpanID() {
		t.Error("server block span is not a child of the probe call")
	}
}

func TestServerWithDisabledTracing(t *testing.T) {
	clientTP, _ := inMemoryProvider(t, true)
	ts, _ := newTestServer(t, gate.ModelThreaded, server.Options{Tracing: tracing.NewProvider(nil, true)})
	client := gateclient.New(ts.URL, gateclient.WithTracing(clientTP))

	if _, err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
}
