package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_total",
			Help: "Total number of delivery attempts by resulting status.",
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_retries_total",
			Help: "Total number of scheduled retries by error kind.",
		},
		[]string{"kind"}, // e.g. http, timeout, network, rate_limit
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_dead_letters_total",
			Help: "Total number of deliveries terminally failed or expired.",
		},
		[]string{"reason"},
	)

	ClaimRacesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookline_claim_races_total",
			Help: "Total number of claim attempts lost to another worker.",
		},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookline_attempt_duration_seconds",
			Help:    "Latency of delivery attempts by resulting status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_queue_depth",
			Help: "Number of deliveries currently due for dispatch.",
		},
	)

	DeliveriesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_created_total",
			Help: "Total number of delivery records created by priority.",
		},
		[]string{"priority"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		DeliveriesTotal,
		RetriesTotal,
		DeadLettersTotal,
		ClaimRacesTotal,
		AttemptDuration,
		QueueDepth,
		DeliveriesCreatedTotal,
	)
}

// RecordAttempt records one completed attempt and its latency.
func RecordAttempt(status string, d time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	AttemptDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordRetry records a scheduled retry by classified error kind.
func RecordRetry(kind string) {
	RetriesTotal.WithLabelValues(kind).Inc()
}

// RecordDeadLetter records a terminal failure or expiry.
func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

// RecordClaimRace records a claim lost to another worker.
func RecordClaimRace() {
	ClaimRacesTotal.Inc()
}

// RecordCreated records a new delivery record.
func RecordCreated(priority string) {
	DeliveriesCreatedTotal.WithLabelValues(priority).Inc()
}

// UpdateQueueDepth sets the due-deliveries gauge.
func UpdateQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}
