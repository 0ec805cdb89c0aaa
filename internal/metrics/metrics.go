package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warmctl_candidates_total",
			Help: "Work descriptors discovered per run kind.",
		},
		[]string{"kind"}, // embed, image
	)

	WarmOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warmctl_warm_outcomes_total",
			Help: "Terminal warm outcomes by kind and status.",
		},
		[]string{"kind", "status"}, // status: success, failed
	)

	WarmAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warmctl_warm_attempt_duration_seconds",
			Help:    "Duration of individual warm HTTP attempts.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"kind", "code"}, // code: HTTP status or "error"
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warmctl_retries_total",
			Help: "Warm attempt retries by failure reason.",
		},
		[]string{"reason"}, // e.g. gateway, timeout, connection_reset, network
	)

	InflightCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warmctl_inflight_calls",
			Help: "Warm HTTP calls currently in flight.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warmctl_dead_letters_total",
			Help: "Terminal failures published for later replay, by reason.",
		},
		[]string{"reason"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		CandidatesTotal,
		WarmOutcomesTotal,
		WarmAttemptDuration,
		RetriesTotal,
		InflightCalls,
		DeadLettersTotal,
	)
}

// RecordCandidates counts discovered descriptors for a run kind.
func RecordCandidates(kind string, n int) {
	CandidatesTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordOutcome counts one terminal outcome.
func RecordOutcome(kind, status string) {
	WarmOutcomesTotal.WithLabelValues(kind, status).Inc()
}

// RecordAttempt observes one warm HTTP attempt.
func RecordAttempt(kind, code string, d time.Duration) {
	WarmAttemptDuration.WithLabelValues(kind, code).Observe(d.Seconds())
}

// RecordRetry counts a retried attempt by classified reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter counts a failure handed to the dead-letter topic.
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}
