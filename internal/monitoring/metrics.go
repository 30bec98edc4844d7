package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intercepted calls by operation and ledger status.
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipool_calls_total",
			Help: "Total number of intercepted API calls",
		},
		[]string{"op", "status"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apipool_call_duration_seconds",
			Help:    "Intercepted API call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"op"},
	)

	RetirementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipool_retirements_total",
			Help: "Total number of keys moved to the archive",
		},
		[]string{"reason"},
	)

	// Pool size per partition (active, archived).
	Keys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apipool_keys",
			Help: "Number of keys per pool partition",
		},
		[]string{"partition"},
	)

	LivenessChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipool_liveness_checks_total",
			Help: "Total number of key liveness probes",
		},
		[]string{"result"},
	)

	LedgerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipool_ledger_errors_total",
			Help: "Ledger writes that failed during bookkeeping",
		},
		[]string{"operation"},
	)
)

// RecordCall records one intercepted call outcome.
func RecordCall(op, status string, seconds float64) {
	if op == "" {
		op = "unknown"
	}
	CallsTotal.WithLabelValues(op, status).Inc()
	CallDuration.WithLabelValues(op).Observe(seconds)
}

// RecordRetirement counts a key retirement.
func RecordRetirement(reason string) {
	RetirementsTotal.WithLabelValues(reason).Inc()
}

// SetPoolSize publishes the current partition sizes.
func SetPoolSize(active, archived int) {
	Keys.WithLabelValues("active").Set(float64(active))
	Keys.WithLabelValues("archived").Set(float64(archived))
}

// RecordLiveness counts one probe result.
func RecordLiveness(usable bool) {
	result := "unusable"
	if usable {
		result = "usable"
	}
	LivenessChecksTotal.WithLabelValues(result).Inc()
}

// RecordLedgerError counts a failed ledger write.
func RecordLedgerError(operation string) {
	LedgerErrorsTotal.WithLabelValues(operation).Inc()
}

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apipool_http_requests_total",
			Help: "Total number of admin HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apipool_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "path"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "apipool_http_inflight",
			Help: "Number of admin HTTP requests currently being processed",
		},
	)
)
