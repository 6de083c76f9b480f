// Package prometheus provides a Prometheus-based stats collector.
package prometheus

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/discochess/tiercache/internal/stats"
)

// TierLabel is the label name carried by every metric.
const TierLabel = "tier"

// Collector implements stats.Collector using Prometheus metric vectors
// partitioned by tier.
type Collector struct {
	registry prometheus.Registerer

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// Compile-time check that Collector implements stats.Collector.
var _ stats.Collector = (*Collector)(nil)

// New creates a new Prometheus collector.
// If registry is nil, prometheus.DefaultRegisterer is used.
func New(registry prometheus.Registerer) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &Collector{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// IncCounter increments a counter metric.
func (c *Collector) IncCounter(name, tier string, delta int64) {
	vec := getOrCreate(c, c.counters, name, func() *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, []string{TierLabel})
	})
	vec.WithLabelValues(tier).Add(float64(delta))
}

// SetGauge sets a gauge metric.
func (c *Collector) SetGauge(name, tier string, value int64) {
	vec := getOrCreate(c, c.gauges, name, func() *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, []string{TierLabel})
	})
	vec.WithLabelValues(tier).Set(float64(value))
}

// ObserveHistogram records a value in a histogram.
func (c *Collector) ObserveHistogram(name, tier string, value float64) {
	vec := getOrCreate(c, c.histograms, name, func() *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, []string{TierLabel})
	})
	vec.WithLabelValues(tier).Observe(value)
}

// getOrCreate returns the vector registered under name, creating and
// registering it on first use. If the registry already holds a compatible
// vector under that name, the existing one is adopted.
func getOrCreate[V prometheus.Collector](c *Collector, vecs map[string]V, name string, create func() V) V {
	c.mu.RLock()
	vec, ok := vecs[name]
	c.mu.RUnlock()
	if ok {
		return vec
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock.
	if vec, ok = vecs[name]; ok {
		return vec
	}

	vec = create()
	if err := c.registry.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(V); ok {
				vec = existing
			}
		}
		// Otherwise keep the unregistered vector; it still accepts observations.
	}
	vecs[name] = vec
	return vec
}
