package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsSubmitted == nil {
		t.Error("RequestsSubmitted is nil")
	}
	if m.RequestsCompleted == nil {
		t.Error("RequestsCompleted is nil")
	}
	if m.RequestsFailed == nil {
		t.Error("RequestsFailed is nil")
	}
	if m.CacheHits == nil {
		t.Error("CacheHits is nil")
	}
	if m.CacheMisses == nil {
		t.Error("CacheMisses is nil")
	}
	if m.Retries == nil {
		t.Error("Retries is nil")
	}
	if m.Fallbacks == nil {
		t.Error("Fallbacks is nil")
	}
	if m.ProviderLatency == nil {
		t.Error("ProviderLatency is nil")
	}
	if m.QueueWait == nil {
		t.Error("QueueWait is nil")
	}
	if m.ProviderInFlight == nil {
		t.Error("ProviderInFlight is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsSubmitted.WithLabelValues("anthropic").Inc()
	m.RequestsCompleted.WithLabelValues("anthropic").Inc()
	m.RequestsFailed.WithLabelValues("anthropic", "timed_out").Inc()
	m.CacheHits.Inc()
	m.CacheMisses.Inc()
	m.Retries.WithLabelValues("anthropic").Inc()
	m.Fallbacks.WithLabelValues("anthropic", "openai").Inc()
	m.ProviderLatency.WithLabelValues("anthropic").Observe(0.42)
	m.QueueWait.Observe(0.05)
	m.ProviderInFlight.WithLabelValues("anthropic").Set(3)
	m.QueueDepth.Set(12)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"gatewayd_requests_submitted_total",
		"gatewayd_requests_completed_total",
		"gatewayd_requests_failed_total",
		"gatewayd_cache_hits_total",
		"gatewayd_cache_misses_total",
		"gatewayd_retries_total",
		"gatewayd_fallbacks_total",
		"gatewayd_provider_latency_seconds",
		"gatewayd_queue_wait_seconds",
		"gatewayd_provider_in_flight",
		"gatewayd_queue_depth",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
