package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "beacon"

// Breaker state values reported by UpstreamBreakerState.
const (
	BreakerClosed   = 0
	BreakerHalfOpen = 1
	BreakerOpen     = 2
)

// Metrics holds the Prometheus counters, histograms, and gauges for the alert service.
type Metrics struct {
	// Upstream NWS API metrics.
	UpstreamRequests     *prometheus.CounterVec   // labels: endpoint={points,alerts,forecast}, outcome={success,error,rejected}
	UpstreamDuration     *prometheus.HistogramVec // labels: endpoint
	UpstreamBreakerState prometheus.Gauge

	// Fetcher metrics.
	AlertCache      *prometheus.CounterVec // labels: result={hit,miss}
	AlertFetches    *prometheus.CounterVec // labels: outcome={success,exhausted}
	FetchRetries    prometheus.Counter
	ConditionsFetch *prometheus.CounterVec // labels: outcome={success,error}

	// Poller metrics.
	PollerRunning       prometheus.Gauge
	PollCycles          *prometheus.CounterVec // labels: outcome={success,service_error,retry,failed}
	PollIntervalSeconds prometheus.Gauge
	Escalations         prometheus.Counter
	ActiveAlerts        *prometheus.GaugeVec // labels: threat_level
	Subscribers         prometheus.Gauge
	CallbackPanics      prometheus.Counter

	// Publisher metrics.
	BundlesPublished *prometheus.CounterVec // labels: outcome={success,error,dropped}
}

// NewMetrics creates and registers all service metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := NewMetricsForTesting()

	prometheus.MustRegister(
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.UpstreamBreakerState,
		m.AlertCache,
		m.AlertFetches,
		m.FetchRetries,
		m.ConditionsFetch,
		m.PollerRunning,
		m.PollCycles,
		m.PollIntervalSeconds,
		m.Escalations,
		m.ActiveAlerts,
		m.Subscribers,
		m.CallbackPanics,
		m.BundlesPublished,
	)

	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "NWS API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "NWS API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),
		UpstreamBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_breaker_state",
			Help:      "NWS circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		AlertCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_cache_total",
			Help:      "Alert cache lookups by result.",
		}, []string{"result"}),
		AlertFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_fetches_total",
			Help:      "Uncached alert fetches by outcome.",
		}, []string{"outcome"}),
		FetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_fetch_retries_total",
			Help:      "Alert fetch attempts that were retried after a failure.",
		}),
		ConditionsFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditions_fetches_total",
			Help:      "Current conditions fetches by outcome.",
		}, []string{"outcome"}),
		PollerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poller_running",
			Help:      "1 when the poller is active, 0 when stopped.",
		}),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Fetch cycles by outcome.",
		}, []string{"outcome"}),
		PollIntervalSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_interval_seconds",
			Help:      "Interval of the current poll mode.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_escalations_total",
			Help:      "Fast-path re-fetches scheduled after escalating into severe or critical mode.",
		}),
		ActiveAlerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_alerts",
			Help:      "Alerts in the last bundle by threat level.",
		}, []string{"threat_level"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Registered bundle subscribers.",
		}),
		CallbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "Subscriber callbacks that panicked during fan-out.",
		}),
		BundlesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundles_published_total",
			Help:      "Bundles written to Kafka by outcome.",
		}, []string{"outcome"}),
	}
}
