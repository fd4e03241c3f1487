// Package metrics exposes Prometheus collectors for flag evaluations,
// tracked events and catalog loads.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the storefront collectors on their own registry.
type Metrics struct {
	registry    *prometheus.Registry
	evaluations *prometheus.CounterVec
	variables   *prometheus.CounterVec
	tracked     *prometheus.CounterVec
	loads       *prometheus.CounterVec
	loadTime    prometheus.Histogram
	catalogSize prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "flag_evaluations_total",
			Help:      "Feature flag evaluations by flag and result.",
		}, []string{"flag", "enabled"}),
		variables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "flag_variable_lookups_total",
			Help:      "Feature variable lookups by flag, variable and whether a value was served.",
		}, []string{"flag", "variable", "found"}),
		tracked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "events_tracked_total",
			Help:      "Tracked conversion events by key.",
		}, []string{"event"}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Name:      "catalog_loads_total",
			Help:      "Catalog loads by outcome.",
		}, []string{"outcome"}),
		loadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "storefront",
			Name:      "catalog_load_seconds",
			Help:      "Time to fetch and parse the catalog.",
			Buckets:   prometheus.DefBuckets,
		}),
		catalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storefront",
			Name:      "catalog_items",
			Help:      "Items in the last successfully loaded catalog.",
		}),
	}
	m.registry.MustRegister(m.evaluations, m.variables, m.tracked, m.loads, m.loadTime, m.catalogSize)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation counts one IsFeatureEnabled call.
func (m *Metrics) ObserveEvaluation(flag string, enabled bool) {
	m.evaluations.WithLabelValues(flag, strconv.FormatBool(enabled)).Inc()
}

// ObserveVariable counts one GetFeatureVariableString call.
func (m *Metrics) ObserveVariable(flag, variable string, found bool) {
	m.variables.WithLabelValues(flag, variable, strconv.FormatBool(found)).Inc()
}

// ObserveTrack counts one Track call.
func (m *Metrics) ObserveTrack(event string) {
	m.tracked.WithLabelValues(event).Inc()
}

// ObserveCatalogLoad records one catalog load.
func (m *Metrics) ObserveCatalogLoad(d time.Duration, items int, err error) {
	m.loadTime.Observe(d.Seconds())
	if err != nil {
		m.loads.WithLabelValues("error").Inc()
		return
	}
	m.loads.WithLabelValues("ok").Inc()
	m.catalogSize.Set(float64(items))
}
