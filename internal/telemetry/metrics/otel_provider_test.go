package metrics

import (
	"context"
	"testing"
)

func TestOTelProviderBasic(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "otel_test_counter"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Name: "otel_test_gauge"}})
	g.Set(10)
	g.Add(5)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "otel_test_hist"}})
	h.Observe(1.5)
	ctor := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "otel_test_timer"}})
	tm := ctor()
	tm.ObserveDuration()
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestSelectChoosesBackendByName(t *testing.T) {
	if _, ok := Select(false, "prometheus").(noopProvider); !ok {
		t.Fatal("disabled metrics must return the noop provider regardless of backend")
	}
	if _, ok := Select(true, "otel").(*otelProvider); !ok {
		t.Fatal("backend=otel must return an otelProvider")
	}
	if _, ok := Select(true, "prometheus").(*PrometheusProvider); !ok {
		t.Fatal("backend=prometheus must return a PrometheusProvider")
	}
	if _, ok := Select(true, "").(*PrometheusProvider); !ok {
		t.Fatal("default backend must be Prometheus")
	}
}
