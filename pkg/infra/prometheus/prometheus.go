package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	routeLabels = []string{"route"}

	// Latency buckets in milliseconds
	latencyBuckets = []float64{
		5, 10, 25,
		50, 100, 250,
		500, 1000, 2500,
		5000, 10000, 30000,
	}

	RequestTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigate_requests_total",
			Help: "Total number of requests processed",
		},
		append(routeLabels, "method", "status"),
	)

	RequestDeniedTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigate_requests_denied_total",
			Help: "Requests denied by a gate, labelled by denial kind",
		},
		append(routeLabels, "kind"),
	)

	RequestLatency = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apigate_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: latencyBuckets,
		},
		routeLabels,
	)

	StoreBreakerOpen = promauto.With(registerer).NewCounter(
		prometheus.CounterOpts{
			Name: "apigate_counter_store_breaker_open_total",
			Help: "Times a request observed the counter-store circuit breaker open",
		},
	)
)

type MetricsConfig struct {
	EnableLatency  bool // Basic latency metrics
	EnablePerRoute bool // Per-route metrics (high cardinality)
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		EnableLatency:  true,
		EnablePerRoute: false,
	}
}

var Config MetricsConfig

func Initialize(cfg MetricsConfig) {
	Config = cfg
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}
