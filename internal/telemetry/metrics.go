package telemetry

import "github.com/prometheus/client_golang/prometheus"

// DependencyLoadDuration records dependency load latency (spec.md §4.1
// "load timing is surfaced as a metric").
var DependencyLoadDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cloudquery",
		Subsystem: "registry",
		Name:      "dependency_load_duration_seconds",
		Help:      "Dependency load latency in seconds, by dependency name and outcome.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"dependency", "outcome"},
)

// QueriesTotal counts queries processed by the Engine Facade.
var QueriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cloudquery",
		Subsystem: "engine",
		Name:      "queries_total",
		Help:      "Total number of queries processed, by outcome.",
	},
	[]string{"outcome"},
)

// QueryDuration records end-to-end query latency.
var QueryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cloudquery",
		Subsystem: "engine",
		Name:      "query_duration_seconds",
		Help:      "Query duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"outcome"},
)

// ProxyEndpointHealth reports the current health score of each proxy
// endpoint (spec.md §4.3).
var ProxyEndpointHealth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "cloudquery",
		Subsystem: "proxy",
		Name:      "endpoint_health",
		Help:      "Current health score (0-100) of a proxy endpoint.",
	},
	[]string{"endpoint"},
)

// CacheHitsTotal counts cache tier hits and misses.
var CacheHitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cloudquery",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total number of cache lookups, by cache name and outcome (hit/miss).",
	},
	[]string{"cache", "outcome"},
)

// All returns every cloudquery-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		DependencyLoadDuration,
		QueriesTotal,
		QueryDuration,
		ProxyEndpointHealth,
		CacheHitsTotal,
	}
}

// NewMetricsRegistry creates a fresh Prometheus registry with Go runtime
// collectors plus collectors.
func NewMetricsRegistry(collectors ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range collectors {
		reg.MustRegister(c)
	}
	return reg
}
