package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliance",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method and status class.",
	}, []string{"method", "status"})

	requestsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "compliance",
		Name:      "http_requests_in_progress",
		Help:      "HTTP requests currently being served.",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "compliance",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliance",
		Name:      "scans_total",
		Help:      "Scans by terminal status (started, completed, failed).",
	}, []string{"status"})

	scansRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "compliance",
		Name:      "scans_running",
		Help:      "Scans currently executing in this process.",
	})

	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliance",
		Name:      "checks_total",
		Help:      "Checks by type and outcome (passed, failed, error).",
	}, []string{"type", "outcome"})

	fixesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliance",
		Name:      "autofix_total",
		Help:      "Auto-fix executions by type and outcome.",
	}, []string{"type", "outcome"})
)

// IncrementScans counts a started scan.
func IncrementScans() {
	scansTotal.WithLabelValues("started").Inc()
}

func IncrementScansRunning() { scansRunning.Inc() }

func DecrementScansRunning() { scansRunning.Dec() }

// ScanFinished counts a scan reaching a terminal status.
func ScanFinished(status string) {
	scansTotal.WithLabelValues(status).Inc()
}

// ObserveCheck counts one completed check.
func ObserveCheck(checkType, outcome string) {
	checksTotal.WithLabelValues(checkType, outcome).Inc()
}

// ObserveFix counts one auto-fix execution.
func ObserveFix(checkType, outcome string) {
	fixesTotal.WithLabelValues(checkType, outcome).Inc()
}

// MetricsMiddleware tracks request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestsInProgress.Inc()
		defer requestsInProgress.Dec()

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		requestsTotal.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode/100)+"xx").Inc()
		requestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

// MetricsHandler exposes the default registry in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
