package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestNewMetricsRegistersOnPrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.GateDecisions.WithLabelValues(GateDeny).Inc()

	if got := testutil.ToFloat64(m.GateDecisions.WithLabelValues(GateDeny)); got != 1 {
		t.Fatalf("deny counter = %v, want 1", got)
	}
	// A second set on a fresh registry must not collide with the first.
	NewMetrics(prometheus.NewRegistry())
}

func TestResourceSamplerPopulatesGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sampler := NewResourceSampler(m, logger, time.Hour)
	if sampler == nil {
		t.Skip("process inspection unavailable on this platform")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.Start(ctx)

	if got := testutil.ToFloat64(m.Goroutines); got < 1 {
		t.Fatalf("goroutines gauge = %v, want >= 1", got)
	}
}

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSamplerFor(t *testing.T) {
	for ratio, want := range map[float64]string{0: "AlwaysOnSampler", 1: "AlwaysOnSampler", 2: "AlwaysOnSampler"} {
		if got := samplerFor(ratio).Description(); got != want {
			t.Errorf("samplerFor(%v) = %q, want %q", ratio, got, want)
		}
	}
	if got := samplerFor(0.25).Description(); !strings.Contains(got, "TraceIDRatioBased{0.25}") {
		t.Errorf("samplerFor(0.25) = %q", got)
	}
}

func TestRequestContextExtractsTraceParent(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	sc := trace.SpanContextFromContext(RequestContext(r))
	if !sc.IsRemote() || sc.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("span context = %+v", sc)
	}
}
