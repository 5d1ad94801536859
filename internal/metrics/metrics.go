// Package metrics wires a single Prometheus registry shared across the
// agent, adapted from the teacher engine's telemetry/metrics provider.
package metrics

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is a thin, lazily-populated wrapper over a *prometheus.Registry
// so components can register counters/gauges/histograms by name without
// each owning registration boilerplate.
type Registry struct {
	reg        *prom.Registry
	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		reg:        prom.NewRegistry(),
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
	}
}

// Handler exposes the registry over HTTP for the local status endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Counter returns (creating if needed) a counter vec with the given name,
// help text, and label names.
func (r *Registry) Counter(name, help string, labels ...string) *prom.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prom.NewCounterVec(prom.CounterOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns (creating if needed) a gauge vec.
func (r *Registry) Gauge(name, help string, labels ...string) *prom.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prom.NewGaugeVec(prom.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// Histogram returns (creating if needed) a histogram vec.
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prom.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h := prom.NewHistogramVec(prom.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}
