// Package prometrics backs the metrics ports with prometheus vectors.
package prometrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/minicart/storefront/internal/observability"
)

// Registry creates and registers prometheus vectors on demand, deduplicating
// by metric name so repeated wiring of the same key shares one collector.
type Registry struct {
	mu         sync.Mutex
	namespace  string
	subsystem  string
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

func New(namespace, subsystem string) *Registry {
	return &Registry{
		namespace:  namespace,
		subsystem:  subsystem,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (r *Registry) Counter(name, help string, labelKeys ...string) observability.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ok := r.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: r.namespace,
			Subsystem: r.subsystem,
			Name:      name,
			Help:      help,
		}, labelKeys)
		prometheus.MustRegister(cv)
		r.counters[name] = cv
	}
	return counter{v: cv}
}

func (r *Registry) Histogram(name, help string, buckets []float64, labelKeys ...string) observability.Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	hv, ok := r.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: r.namespace,
			Subsystem: r.subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}, labelKeys)
		prometheus.MustRegister(hv)
		r.histograms[name] = hv
	}
	return histogram{v: hv}
}

type counter struct{ v *prometheus.CounterVec }

func (c counter) Add(delta float64, labels ...observability.Label) {
	c.v.With(toPromLabels(labels)).Add(delta)
}

type histogram struct{ v *prometheus.HistogramVec }

func (h histogram) Observe(value float64, labels ...observability.Label) {
	h.v.With(toPromLabels(labels)).Observe(value)
}

func toPromLabels(labels []observability.Label) prometheus.Labels {
	out := make(prometheus.Labels, len(labels))
	for _, l := range labels {
		out[l.Key] = l.Value
	}
	return out
}
