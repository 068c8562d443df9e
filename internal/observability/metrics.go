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
			Namespace: "tutoring",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tutoring",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ledgerAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutoring",
			Subsystem: "ledger",
			Name:      "attempts_total",
			Help:      "Ledger mutations applied inside a transaction by operation, including ones later rolled back. Committed outcomes are counted by tutoring_session_transitions_total.",
		},
		[]string{"op"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutoring",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session transitions by operation and result.",
		},
		[]string{"op", "result"},
	)
	sweepSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutoring",
			Subsystem: "sweeper",
			Name:      "sessions_total",
			Help:      "Sessions visited by the expiry sweeper by outcome.",
		},
		[]string{"outcome"},
	)
	portFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tutoring",
			Subsystem: "ports",
			Name:      "failures_total",
			Help:      "Collaborator port calls that failed and were swallowed.",
		},
		[]string{"port"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, ledgerAttempts, sessionTransitions, sweepSessions, portFailures)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLedgerAttempt counts a mutation applied in the caller's transaction.
// The caller may still roll it back.
func RecordLedgerAttempt(op string) {
	RegisterMetrics()
	ledgerAttempts.WithLabelValues(op).Inc()
}

func RecordTransition(op, result string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(op, result).Inc()
}

func RecordSweep(outcome string, n int) {
	if n == 0 {
		return
	}
	RegisterMetrics()
	sweepSessions.WithLabelValues(outcome).Add(float64(n))
}

func RecordPortFailure(port string) {
	RegisterMetrics()
	portFailures.WithLabelValues(port).Inc()
}
