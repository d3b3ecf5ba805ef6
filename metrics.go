package idempotency

import "github.com/prometheus/client_golang/prometheus"

// metricsCollector bundles the Prometheus instruments a Tracker reports
// through. It is nil by default: metrics are opt-in via WithMetrics, not
// force-registered against the default registry.
type metricsCollector struct {
	admissions *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

// newMetricsCollector builds and registers a metricsCollector against
// reg. namespace prefixes every metric name, e.g. "myapp_idempotency_*".
func newMetricsCollector(reg prometheus.Registerer, namespace string) *metricsCollector {
	m := &metricsCollector{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "admissions_total",
			Help:      "Count of Tracker.Track outcomes by kind, plus one interrupted per Tracker.ReportCrash.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "builders_in_flight",
			Help:      "Number of requests currently admitted and awaiting Finalize.",
		}),
	}
	reg.MustRegister(m.admissions, m.inFlight)
	return m
}

// WithMetrics registers Prometheus instruments for the Tracker against
// reg, under the given namespace.
func WithMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(t *Tracker) {
		t.metrics = newMetricsCollector(reg, namespace)
	}
}
