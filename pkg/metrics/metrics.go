// Package metrics defines the Prometheus metric collectors used by the
// indexer and the query API and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	ObjectsIndexedTotal  *prometheus.CounterVec
	SortedRunsTotal      prometheus.Counter
	SegmentsFlushedTotal *prometheus.CounterVec
	FinalizeDuration     *prometheus.HistogramVec
	LookupLatency        prometheus.Histogram
	ListLatency          *prometheus.HistogramVec
	DetailQueriesTotal   *prometheus.CounterVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CatalogTypes         prometheus.Gauge
}

// New creates all collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry(); services pass prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		ObjectsIndexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hprof_objects_indexed_total",
				Help: "Objects registered during ingestion by kind.",
			},
			[]string{"kind"},
		),
		SortedRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hprof_sorted_runs_total",
				Help: "Sorted run files written by the object index.",
			},
		),
		SegmentsFlushedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hprof_segments_flushed_total",
				Help: "Type segments written to backing files by store.",
			},
			[]string{"store"},
		),
		FinalizeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hprof_finalize_duration_seconds",
				Help:    "Time spent sealing each store.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"store"},
		),
		LookupLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hprof_lookup_latency_seconds",
				Help:    "Object index point lookup latency in seconds.",
				Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
		),
		ListLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hprof_list_latency_seconds",
				Help:    "Paginated type listing latency in seconds by store.",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"store"},
		),
		DetailQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hprof_detail_queries_total",
				Help: "On-demand record re-reads by object kind and result (ok, error).",
			},
			[]string{"kind", "result"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of detail cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of detail cache misses.",
			},
		),
		CatalogTypes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "hprof_catalog_types",
				Help: "Number of entries in the finalized type catalog.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ObjectsIndexedTotal,
		m.SortedRunsTotal,
		m.SegmentsFlushedTotal,
		m.FinalizeDuration,
		m.LookupLatency,
		m.ListLatency,
		m.DetailQueriesTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CatalogTypes,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
