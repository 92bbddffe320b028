// Package metric manages Prometheus metric registration for ingestion
// components. Components accept a *Registry as an optional dependency; a nil
// registry disables metrics without branching in business logic.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siteflux/ingest/errors"
)

// Namespace prefixes every metric emitted by this module.
const Namespace = "ingest"

// Registry wraps a dedicated Prometheus registry and tracks per-component
// metric ownership so duplicate registrations fail loudly.
type Registry struct {
	prom       *prometheus.Registry
	mu         sync.RWMutex
	registered map[string]prometheus.Collector
}

// NewRegistry creates a registry preloaded with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:       prom,
		registered: make(map[string]prometheus.Collector),
	}
}

// Register adds a collector under component.name ownership. Registering the
// same name twice is an error; re-registering an identical collector reuses
// the existing one.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"Registry", "Register", "duplicate registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			r.registered[key] = already.ExistingCollector
			return nil
		}
		return errors.Wrap(err, "Registry", "Register", "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// MustRegister is Register for wiring paths where a duplicate is a bug.
func (r *Registry) MustRegister(component, name string, c prometheus.Collector) {
	if err := r.Register(component, name, c); err != nil {
		panic(err)
	}
}

// Unregister removes a component's collector. Returns false when the metric
// was never registered.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Prometheus exposes the underlying registry for test assertions.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Counter builds a namespaced counter.
func Counter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// Gauge builds a namespaced gauge.
func Gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// GaugeVec builds a namespaced gauge vector.
func GaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// Histogram builds a namespaced histogram.
func Histogram(subsystem, name, help string, buckets []float64) prometheus.Histogram {
	return prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
}
