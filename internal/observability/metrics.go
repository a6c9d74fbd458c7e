package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmpipe",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realmpipe",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realmpipe",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently proxying.",
		},
	)
	sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmpipe",
			Subsystem: "session",
			Name:      "closed_total",
			Help:      "Closed sessions by error kind (empty kind is a clean close).",
		},
		[]string{"kind"},
	)
	sessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "realmpipe",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Session lifetime in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
	)
	packets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmpipe",
			Subsystem: "pipeline",
			Name:      "packets_total",
			Help:      "Packets seen by the hook chain by direction and action.",
		},
		[]string{"direction", "action"},
	)
	bytesForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmpipe",
			Subsystem: "pipeline",
			Name:      "bytes_written_total",
			Help:      "Enciphered bytes written to the destination leg.",
		},
		[]string{"direction"},
	)
	hookErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmpipe",
			Subsystem: "hook",
			Name:      "errors_total",
			Help:      "Handler faults downgraded to pass.",
		},
		[]string{"direction"},
	)
	policyRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realmpipe",
			Subsystem: "listener",
			Name:      "policy_requests_total",
			Help:      "Socket policy file requests answered.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsActive,
			sessionsClosed,
			sessionDuration,
			packets,
			bytesForwarded,
			hookErrors,
			policyRequests,
		)
	})
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	httpDuration.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed(kind string, lifetime time.Duration) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionsClosed.WithLabelValues(kind).Inc()
	sessionDuration.Observe(lifetime.Seconds())
}

func RecordPackets(direction, action string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	packets.WithLabelValues(direction, action).Add(float64(n))
}

func RecordBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	bytesForwarded.WithLabelValues(direction).Add(float64(n))
}

func RecordHookErrors(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	hookErrors.WithLabelValues(direction).Add(float64(n))
}

func RecordPolicyRequest() {
	RegisterMetrics()
	policyRequests.Inc()
}
