// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	backendCallsTotal          *prometheus.CounterVec
	authAttemptsTotal          *prometheus.CounterVec
	fileBytesTotal             *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		backendCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hpcgw_backend_calls_total",
				Help: "Scheduler adapter calls, labeled by cluster, operation and result.",
			},
			[]string{"cluster", "op", "result"},
		)

		authAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hpcgw_auth_attempts_total",
				Help: "Authentication decisions, labeled by strategy and result.",
			},
			[]string{"strategy", "result"},
		)

		fileBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hpcgw_file_bytes_total",
				Help: "Bytes moved through the file gateway, labeled by direction.",
			},
			[]string{"direction"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hpcgw_backend_ratelimit_delay_seconds",
				Help:    "Time spent waiting for a cluster's backend rate limit.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"cluster"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBackendCall records one adapter call.
func ObserveBackendCall(cluster, op string, err error) {
	if backendCallsTotal == nil {
		return
	}
	backendCallsTotal.WithLabelValues(cluster, op, result(err)).Inc()
}

// ObserveAuth records an authentication decision for strategy.
func ObserveAuth(strategy string, ok bool) {
	if authAttemptsTotal == nil {
		return
	}
	res := ResultOK
	if !ok {
		res = ResultError
	}
	authAttemptsTotal.WithLabelValues(strategy, res).Inc()
}

// AddFileBytes adds n bytes in direction ("read" or "write").
func AddFileBytes(direction string, n int64) {
	if fileBytesTotal == nil || n <= 0 {
		return
	}
	fileBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ObserveRateLimitDelay records time spent waiting on cluster's limiter.
func ObserveRateLimitDelay(cluster string, d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(cluster).Observe(d.Seconds())
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
