package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_created_total",
			Help: "Total number of deliveries created, by entry point.",
		},
		[]string{"source"}, // submit, publish
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_attempts_total",
			Help: "Total number of delivery attempts by outcome and failure classification.",
		},
		[]string{"outcome", "classification"},
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_attempt_latency_seconds",
			Help:    "Latency of delivery attempts against subscriber endpoints.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	DeliveriesFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_finished_total",
			Help: "Total number of deliveries that reached a terminal status.",
		},
		[]string{"status"}, // delivered, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of scheduled retries by failure classification.",
		},
		[]string{"reason"}, // network, timeout, http_status, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_dlq_total",
			Help: "Total number of dead letters emitted.",
		},
		[]string{"reason"},
	)

	LeasesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_leases_reclaimed_total",
			Help: "Total number of expired claims returned to pending by the reaper.",
		},
	)

	ClaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_claims_total",
			Help: "Total number of deliveries claimed by workers.",
		},
	)

	ClaimReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_claim_releases_total",
			Help: "Total number of claims returned to pending without an attempt.",
		},
		[]string{"reason"}, // throttled, store_error, shutdown
	)

	SubscriptionCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_subscription_cache_total",
			Help: "Subscription cache lookups by result.",
		},
		[]string{"result"}, // hit, miss, stale, error
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborrelay_workers_busy",
			Help: "Number of workers currently executing an attempt.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		DeliveriesCreatedTotal,
		AttemptsTotal,
		AttemptLatency,
		DeliveriesFinishedTotal,
		RetriesTotal,
		DLQTotal,
		LeasesReclaimedTotal,
		ClaimsTotal,
		ClaimReleasesTotal,
		SubscriptionCacheTotal,
		WorkersBusy,
	)
}

func RecordDeliveryCreated(source string) {
	DeliveriesCreatedTotal.WithLabelValues(source).Inc()
}

// RecordAttempt counts one attempt and observes its latency. classification
// is empty for successful attempts.
func RecordAttempt(outcome, classification string, d time.Duration) {
	if classification == "" {
		classification = "none"
	}
	AttemptsTotal.WithLabelValues(outcome, classification).Inc()
	AttemptLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

func RecordFinished(status string) {
	DeliveriesFinishedTotal.WithLabelValues(status).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func RecordLeasesReclaimed(n int) {
	if n > 0 {
		LeasesReclaimedTotal.Add(float64(n))
	}
}

func RecordClaimed(n int) {
	if n > 0 {
		ClaimsTotal.Add(float64(n))
	}
}

func RecordClaimRelease(reason string) {
	ClaimReleasesTotal.WithLabelValues(reason).Inc()
}

func RecordCacheLookup(result string) {
	SubscriptionCacheTotal.WithLabelValues(result).Inc()
}
