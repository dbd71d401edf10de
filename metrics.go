package vitalsguard

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric names emitted by the gateway.
const (
	MetricRequests       = "vitalsguard_requests_total"
	MetricVerifySeconds  = "vitalsguard_verification_seconds"
	MetricReplayEntries  = "vitalsguard_replay_entries"
	MetricRateBuckets    = "vitalsguard_rate_buckets"
	MetricSwept          = "vitalsguard_swept_total"
	MetricQueueDropped   = "vitalsguard_queue_dropped_total"
	MetricSinkErrors     = "vitalsguard_sink_errors_total"
	MetricForwarded      = "vitalsguard_forwarded_total"
	MetricRegistryReload = "vitalsguard_registry_reloads_total"
)

var metricHelp = map[string]string{
	MetricRequests:       "Ingestion requests by outcome and reject reason",
	MetricVerifySeconds:  "Time spent evaluating one request",
	MetricReplayEntries:  "Entries held by the in-memory replay window",
	MetricRateBuckets:    "Rate limit buckets held in memory",
	MetricSwept:          "Sweeper passes that evicted entries",
	MetricQueueDropped:   "Items dropped because a queue was full",
	MetricSinkErrors:     "Sink write failures",
	MetricForwarded:      "Accepted readings handed to a vitals sink",
	MetricRegistryReload: "Key registry reload attempts by result",
}

// PrometheusCollector implements MetricsCollector on a private registry.
// Vectors are created on first use with the label names of that call; a
// metric must always be emitted with the same label names.
type PrometheusCollector struct {
	registry   *prometheus.Registry
	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

var _ MetricsCollector = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PrometheusCollector) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusCollector) IncrementCounter(name string, labels map[string]string) {
	p.mu.RLock()
	vec, ok := p.counters[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if vec, ok = p.counters[name]; !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help(name)}, labelNames(labels))
			if err := p.registry.Register(vec); err != nil {
				p.mu.Unlock()
				return
			}
			p.counters[name] = vec
		}
		p.mu.Unlock()
	}
	if c, err := vec.GetMetricWith(labels); err == nil {
		c.Inc()
	}
}

func (p *PrometheusCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	vec, ok := p.histograms[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if vec, ok = p.histograms[name]; !ok {
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    name,
				Help:    help(name),
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .1},
			}, labelNames(labels))
			if err := p.registry.Register(vec); err != nil {
				p.mu.Unlock()
				return
			}
			p.histograms[name] = vec
		}
		p.mu.Unlock()
	}
	if h, err := vec.GetMetricWith(labels); err == nil {
		h.Observe(value)
	}
}

func (p *PrometheusCollector) SetGauge(name string, value float64, labels map[string]string) {
	p.mu.RLock()
	vec, ok := p.gauges[name]
	p.mu.RUnlock()
	if !ok {
		p.mu.Lock()
		if vec, ok = p.gauges[name]; !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help(name)}, labelNames(labels))
			if err := p.registry.Register(vec); err != nil {
				p.mu.Unlock()
				return
			}
			p.gauges[name] = vec
		}
		p.mu.Unlock()
	}
	if g, err := vec.GetMetricWith(labels); err == nil {
		g.Set(value)
	}
}

func (p *PrometheusCollector) HealthCheck() error {
	_, err := p.registry.Gather()
	return err
}

func help(name string) string {
	if h, ok := metricHelp[name]; ok {
		return h
	}
	return name
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// InMemoryMetricsCollector keeps plain counters for tests and the CLI.
type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	histograms map[string][]float64
}

func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]int64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	m.counters[seriesKey(name, labels)]++
	m.mu.Unlock()
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	key := seriesKey(name, labels)
	m.histograms[key] = append(m.histograms[key], value)
	m.mu.Unlock()
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	m.gauges[seriesKey(name, labels)] = value
	m.mu.Unlock()
}

// GetCounterValue returns the current value of a counter (for testing/debugging)
func (m *InMemoryMetricsCollector) GetCounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[seriesKey(name, labels)]
}

// GetGaugeValue returns the current value of a gauge (for testing/debugging)
func (m *InMemoryMetricsCollector) GetGaugeValue(name string, labels map[string]string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gauges[seriesKey(name, labels)]
}

func (m *InMemoryMetricsCollector) ObservationCount(name string, labels map[string]string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.histograms[seriesKey(name, labels)])
}

func (m *InMemoryMetricsCollector) HealthCheck() error { return nil }

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	names := labelNames(labels)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		parts = append(parts, k+"="+labels[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

type nopMetrics struct{}

func (nopMetrics) IncrementCounter(string, map[string]string)          {}
func (nopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (nopMetrics) SetGauge(string, float64, map[string]string)         {}
func (nopMetrics) HealthCheck() error                                  { return nil }

func orNopMetrics(m MetricsCollector) MetricsCollector {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
