// Package observability provides metrics, tracing and logging setup.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"resonance-backend/application/ports"
)

// Collector holds the service's Prometheus metrics. Each collector owns its
// registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Similarity metrics
	Recomputes        *prometheus.CounterVec
	RecomputeDuration *prometheus.HistogramVec
	PairsProcessed    *prometheus.CounterVec
	PairsFailed       *prometheus.CounterVec
	WeightCorrections prometheus.Counter

	// Store metrics
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec

	CacheLookups *prometheus.CounterVec
}

var _ ports.MetricsRecorder = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Similarity recomputes by scope and outcome",
		}, []string{"scope", "status"}),
		RecomputeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Similarity recompute duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"scope"}),
		PairsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_processed_total",
			Help:      "Profile pairs scored and written",
		}, []string{"scope"}),
		PairsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_failed_total",
			Help:      "Profile pairs skipped after retries",
		}, []string{"scope"}),
		WeightCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weight_corrections_total",
			Help:      "Connection weights clamped back into range",
		}),
		StoreOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Connection store operations",
		}, []string{"operation", "status"}),
		StoreDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Connection store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "neighbor_cache_lookups_total",
			Help:      "Neighbour cache lookups by outcome",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.Recomputes,
		c.RecomputeDuration,
		c.PairsProcessed,
		c.PairsFailed,
		c.WeightCorrections,
		c.StoreOperations,
		c.StoreDuration,
		c.CacheLookups,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) RecordRecompute(scope string, duration time.Duration, pairs, failed int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.Recomputes.WithLabelValues(scope, status).Inc()
	c.RecomputeDuration.WithLabelValues(scope).Observe(duration.Seconds())
	c.PairsProcessed.WithLabelValues(scope).Add(float64(pairs))
	c.PairsFailed.WithLabelValues(scope).Add(float64(failed))
}

func (c *Collector) RecordCacheLookup(outcome string) {
	c.CacheLookups.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordWeightCorrections(count int) {
	if count > 0 {
		c.WeightCorrections.Add(float64(count))
	}
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) RecordStoreOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.StoreOperations.WithLabelValues(operation, status).Inc()
	c.StoreDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
