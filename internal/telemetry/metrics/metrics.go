// Package metrics provides the engine's instrument provider abstraction and
// a Prometheus-backed implementation, adapted from the teacher's
// engine/telemetry/metrics package. Components take a Provider rather than
// a concrete registry so tests can swap in a no-op.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Select returns the Provider named by backend ("prometheus"/"prom",
// "otel"/"opentelemetry", or "noop"), defaulting to Prometheus, the way the
// teacher's engine.selectMetricsProvider picks a backend from Config.
// enabled=false always returns the noop provider regardless of backend.
func Select(enabled bool, backend string) Provider {
	if !enabled {
		return NewNoopProvider()
	}
	switch strings.ToLower(backend) {
	case "otel", "opentelemetry":
		return NewOTelProvider(OTelProviderOptions{})
	case "noop":
		return NewNoopProvider()
	default:
		return NewPrometheusProvider(PrometheusProviderOptions{})
	}
}

// Provider is the minimal metrics contract every engine component depends on.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

type Counter interface{ Inc(delta float64, labels ...string) }
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}
type Histogram interface{ Observe(v float64, labels ...string) }
type Timer interface{ ObserveDuration(labels ...string) }

type CommonOpts struct {
	Namespace, Subsystem, Name, Help string
	Labels                           []string
}
type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// noop provider, used when metrics are disabled.

type noopProvider struct{}
type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}
type noopTimer struct{}

func NewNoopProvider() Provider { return noopProvider{} }

func (noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (noopProvider) NewTimer(HistogramOpts) func() Timer  { return func() Timer { return noopTimer{} } }
func (noopProvider) Health(context.Context) error         { return nil }
func (noopCounter) Inc(float64, ...string)                {}
func (noopGauge) Set(float64, ...string)                  {}
func (noopGauge) Add(float64, ...string)                  {}
func (noopHistogram) Observe(float64, ...string)          {}
func (noopTimer) ObserveDuration(...string)                {}

var metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// PrometheusProvider implements Provider backed by a Prometheus registry.
type PrometheusProvider struct {
	reg        *prom.Registry
	mu         sync.RWMutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
	problems   []error

	cardinality map[string]map[string]struct{}
	cardLimit   int

	exceededOnce map[string]struct{}
	warnCounter  *prom.CounterVec

	handler http.Handler
}

// PrometheusProviderOptions configures NewPrometheusProvider.
type PrometheusProviderOptions struct {
	Registry         *prom.Registry
	CardinalityLimit int // warn threshold; 0 => default 100
}

// NewPrometheusProvider creates a registry-backed provider.
func NewPrometheusProvider(opts PrometheusProviderOptions) *PrometheusProvider {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	limit := opts.CardinalityLimit
	if limit <= 0 {
		limit = 100
	}
	warn := prom.NewCounterVec(prom.CounterOpts{
		Name: "optostage_internal_cardinality_exceeded_total",
		Help: "count of metrics whose label cardinality exceeded the configured limit",
	}, []string{"metric"})
	_ = reg.Register(warn)
	return &PrometheusProvider{
		reg:          reg,
		counters:     make(map[string]*prom.CounterVec),
		gauges:       make(map[string]*prom.GaugeVec),
		histograms:   make(map[string]*prom.HistogramVec),
		cardinality:  make(map[string]map[string]struct{}),
		cardLimit:    limit,
		exceededOnce: make(map[string]struct{}),
		warnCounter:  warn,
		handler:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// MetricsHandler exposes the registry for a driver to mount at /metrics.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func (p *PrometheusProvider) buildFQName(c CommonOpts) (string, error) {
	if c.Name == "" {
		return "", errors.New("metric name required")
	}
	fq := c.Name
	if c.Subsystem != "" {
		fq = c.Subsystem + "_" + fq
	}
	if c.Namespace != "" {
		fq = c.Namespace + "_" + fq
	}
	if !metricNameRE.MatchString(fq) {
		return "", fmt.Errorf("invalid metric name: %s", fq)
	}
	return fq, nil
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	fq, err := p.buildFQName(opts.CommonOpts)
	if err != nil {
		return noopCounter{}
	}
	p.mu.RLock()
	cv := p.counters[fq]
	p.mu.RUnlock()
	if cv != nil {
		return &promCounter{cv: cv, provider: p, id: fq}
	}

	vec := prom.NewCounterVec(prom.CounterOpts{Name: fq, Help: opts.Help}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			vec = are.ExistingCollector.(*prom.CounterVec)
		} else {
			p.recordProblem(err)
			return noopCounter{}
		}
	}
	p.mu.Lock()
	p.counters[fq] = vec
	p.mu.Unlock()
	return &promCounter{cv: vec, provider: p, id: fq}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	fq, err := p.buildFQName(opts.CommonOpts)
	if err != nil {
		return noopGauge{}
	}
	p.mu.RLock()
	gv := p.gauges[fq]
	p.mu.RUnlock()
	if gv != nil {
		return &promGauge{gv: gv, provider: p, id: fq}
	}

	vec := prom.NewGaugeVec(prom.GaugeOpts{Name: fq, Help: opts.Help}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			vec = are.ExistingCollector.(*prom.GaugeVec)
		} else {
			p.recordProblem(err)
			return noopGauge{}
		}
	}
	p.mu.Lock()
	p.gauges[fq] = vec
	p.mu.Unlock()
	return &promGauge{gv: vec, provider: p, id: fq}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	fq, err := p.buildFQName(opts.CommonOpts)
	if err != nil {
		return noopHistogram{}
	}
	p.mu.RLock()
	hv := p.histograms[fq]
	p.mu.RUnlock()
	if hv != nil {
		return &promHistogram{hv: hv, provider: p, id: fq}
	}

	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	vec := prom.NewHistogramVec(prom.HistogramOpts{Name: fq, Help: opts.Help, Buckets: buckets}, opts.Labels)
	if err := p.reg.Register(vec); err != nil {
		if are, ok := err.(prom.AlreadyRegisteredError); ok {
			vec = are.ExistingCollector.(*prom.HistogramVec)
		} else {
			p.recordProblem(err)
			return noopHistogram{}
		}
	}
	p.mu.Lock()
	p.histograms[fq] = vec
	p.mu.Unlock()
	return &promHistogram{hv: vec, provider: p, id: fq}
}

func (p *PrometheusProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &promTimer{hist: hist, start: time.Now()} }
}

func (p *PrometheusProvider) Health(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.problems) == 0 {
		return nil
	}
	return fmt.Errorf("prometheus provider encountered %d problems (first: %v)", len(p.problems), p.problems[0])
}

func (p *PrometheusProvider) recordProblem(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.problems = append(p.problems, err)
}

// cardinalityTrack records a label value combination, best effort only.
func (p *PrometheusProvider) cardinalityTrack(id string, labelValues []string) {
	if p.cardLimit <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.cardinality[id]
	if set == nil {
		set = make(map[string]struct{})
		p.cardinality[id] = set
	}
	key := fmt.Sprint(labelValues)
	if _, ok := set[key]; ok {
		return
	}
	set[key] = struct{}{}
	if len(set) <= p.cardLimit {
		return
	}
	if _, warned := p.exceededOnce[id]; warned {
		return
	}
	p.exceededOnce[id] = struct{}{}
	if p.warnCounter != nil {
		p.warnCounter.WithLabelValues(id).Inc()
	}
}

type promCounter struct {
	cv       *prom.CounterVec
	provider *PrometheusProvider
	id       string
}

func (c *promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.provider.cardinalityTrack(c.id, labels)
	c.cv.WithLabelValues(labels...).Add(delta)
}

type promGauge struct {
	gv       *prom.GaugeVec
	provider *PrometheusProvider
	id       string
}

func (g *promGauge) Set(value float64, labels ...string) {
	g.provider.cardinalityTrack(g.id, labels)
	g.gv.WithLabelValues(labels...).Set(value)
}
func (g *promGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	g.provider.cardinalityTrack(g.id, labels)
	g.gv.WithLabelValues(labels...).Add(delta)
}

type promHistogram struct {
	hv       *prom.HistogramVec
	provider *PrometheusProvider
	id       string
}

func (h *promHistogram) Observe(value float64, labels ...string) {
	h.provider.cardinalityTrack(h.id, labels)
	h.hv.WithLabelValues(labels...).Observe(value)
}

type promTimer struct {
	hist  Histogram
	start time.Time
}

func (t *promTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}

// EngineMetrics bundles the instruments every stage of the engine records
// against, constructed once at startup and threaded through the staging
// and extraction orchestrators.
type EngineMetrics struct {
	FilesDiscovered  Counter
	FilesStaged      Counter
	FilesRejected    Counter
	ExtractLatency   Histogram
	ManifestWriteDur Histogram
	CacheHits        Counter
	CacheMisses      Counter
}

// NewEngineMetrics registers the engine's fixed instrument set against p.
func NewEngineMetrics(p Provider) *EngineMetrics {
	ns := CommonOpts{Namespace: "optostage"}
	return &EngineMetrics{
		FilesDiscovered:  p.NewCounter(CounterOpts{CommonOpts: withName(ns, "files_discovered_total", "CSV files found under the staging roots")}),
		FilesStaged:      p.NewCounter(CounterOpts{CommonOpts: withLabels(withName(ns, "files_staged_total", "files written to the manifest"), []string{"procedure"})}),
		FilesRejected:    p.NewCounter(CounterOpts{CommonOpts: withLabels(withName(ns, "files_rejected_total", "files that failed parsing or validation"), []string{"reject_kind"})}),
		ExtractLatency:   p.NewHistogram(HistogramOpts{CommonOpts: withLabels(withName(ns, "extract_duration_seconds", "time spent running one extractor over one run"), []string{"extractor"})}),
		ManifestWriteDur: p.NewHistogram(HistogramOpts{CommonOpts: withName(ns, "manifest_write_duration_seconds", "time spent rewriting the manifest table")}),
		CacheHits:        p.NewCounter(CounterOpts{CommonOpts: withName(ns, "cache_hits_total", "data reader cache hits")}),
		CacheMisses:      p.NewCounter(CounterOpts{CommonOpts: withName(ns, "cache_misses_total", "data reader cache misses")}),
	}
}

func withName(base CommonOpts, name, help string) CommonOpts {
	base.Name, base.Help = name, help
	return base
}

func withLabels(base CommonOpts, labels []string) CommonOpts {
	base.Labels = labels
	return base
}
