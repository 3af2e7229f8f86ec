// Package metrics exposes Prometheus instruments for the query engine. A nil
// *Collector is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the engine's metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	QueriesActive  prometheus.Gauge
	WatchersActive prometheus.Gauge
	Events         *prometheus.CounterVec
	Changes        prometheus.Counter
	StaleChanges   prometheus.Counter
	StoreFaults    *prometheus.CounterVec
	RangesPerQuery prometheus.Histogram
	StoreWrites    *prometheus.CounterVec
}

// New registers the engine metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error
	if c.QueriesActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoquery_queries_active",
		Help: "Number of live radius queries.",
	})); err != nil {
		return nil, err
	}
	if c.WatchersActive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoquery_watchers_active",
		Help: "Number of running range watchers across all queries.",
	})); err != nil {
		return nil, err
	}
	if c.Events, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquery_events_total",
		Help: "Result set events delivered, labeled by event type.",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if c.Changes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_changes_total",
		Help: "Raw changes received from range watchers.",
	})); err != nil {
		return nil, err
	}
	if c.StaleChanges, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoquery_stale_changes_total",
		Help: "Watcher events discarded because their range was no longer active.",
	})); err != nil {
		return nil, err
	}
	if c.StoreFaults, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquery_store_faults_total",
		Help: "Store subscription failures, labeled by whether retries were exhausted.",
	}, []string{"terminal"})); err != nil {
		return nil, err
	}
	if c.RangesPerQuery, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoquery_ranges_per_query",
		Help:    "Geohash ranges produced per query area decomposition.",
		Buckets: []float64{1, 2, 3, 4, 6, 9, 12, 16, 32},
	})); err != nil {
		return nil, err
	}
	if c.StoreWrites, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoquery_store_writes_total",
		Help: "Location writes through the HTTP API, labeled by operation.",
	}, []string{"op"})); err != nil {
		return nil, err
	}
	return c, nil
}

// register adds col to reg, returning the already registered collector of
// the same type when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			return col, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		return col, err
	}
	return col, nil
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) QueryStarted() {
	if c != nil {
		c.QueriesActive.Inc()
	}
}

func (c *Collector) QueryStopped() {
	if c != nil {
		c.QueriesActive.Dec()
	}
}

func (c *Collector) WatcherStarted() {
	if c != nil {
		c.WatchersActive.Inc()
	}
}

func (c *Collector) WatcherStopped() {
	if c != nil {
		c.WatchersActive.Dec()
	}
}

// Event counts one delivered event of the named type.
func (c *Collector) Event(eventType string) {
	if c != nil {
		c.Events.WithLabelValues(eventType).Inc()
	}
}

func (c *Collector) Change() {
	if c != nil {
		c.Changes.Inc()
	}
}

func (c *Collector) StaleChange() {
	if c != nil {
		c.StaleChanges.Inc()
	}
}

func (c *Collector) StoreFault(terminal bool) {
	if c != nil {
		c.StoreFaults.WithLabelValues(fmt.Sprint(terminal)).Inc()
	}
}

func (c *Collector) Ranges(n int) {
	if c != nil {
		c.RangesPerQuery.Observe(float64(n))
	}
}

func (c *Collector) Write(op string) {
	if c != nil {
		c.StoreWrites.WithLabelValues(op).Inc()
	}
}
