package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IssuesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_issues_published_total",
			Help: "Total number of newsletter issues accepted for delivery.",
		},
		[]string{"publisher_id"},
	)

	DeliveriesEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_deliveries_enqueued_total",
			Help: "Total number of delivery tasks written to the outbox.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // sent, retry, failed_terminal
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbormail_delivery_latency_seconds",
			Help:    "Email gateway call latency by outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, rate_limited, timeout, network, smtp_4xx
	)

	FailedTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_failed_terminal_total",
			Help: "Total number of delivery tasks moved to failed_terminal.",
		},
		[]string{"reason"}, // permanent, max_attempts
	)

	LeaseLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_lease_lost_total",
			Help: "Total number of task transitions abandoned because the lease had moved on.",
		},
	)

	DeadLettersPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_dead_letters_published_total",
			Help: "Total number of dead-letter envelopes published to NSQ.",
		},
	)

	IdempotentReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_idempotent_replays_total",
			Help: "Total number of requests answered from a saved idempotency record.",
		},
	)

	IdempotencyConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbormail_idempotency_conflicts_total",
			Help: "Total number of requests that found their key already reserved, by resolution.",
		},
		[]string{"resolution"}, // replayed, retried, in_flight
	)

	IdempotencyPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harbormail_idempotency_pruned_total",
			Help: "Total number of expired idempotency records deleted.",
		},
	)

	OutboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harbormail_outbox_depth",
			Help: "Current number of delivery tasks in the outbox by status.",
		},
		[]string{"status"},
	)

	OutboxOldestPendingSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbormail_outbox_oldest_pending_seconds",
			Help: "Age of the oldest pending delivery task.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		IssuesPublishedTotal,
		DeliveriesEnqueuedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		FailedTerminalTotal,
		LeaseLostTotal,
		DeadLettersPublishedTotal,
		IdempotentReplaysTotal,
		IdempotencyConflictsTotal,
		IdempotencyPrunedTotal,
		OutboxDepth,
		OutboxOldestPendingSeconds,
	)
}

// RecordIssuePublished counts an accepted issue and the tasks enqueued for it
func RecordIssuePublished(publisherID string, recipients int64) {
	IssuesPublishedTotal.WithLabelValues(publisherID).Inc()
	DeliveriesEnqueuedTotal.Add(float64(recipients))
}

// RecordDelivery records the outcome and gateway latency of one attempt
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailedTerminal(reason string) {
	FailedTerminalTotal.WithLabelValues(reason).Inc()
}

func RecordLeaseLost() {
	LeaseLostTotal.Inc()
}

func RecordDeadLetterPublished() {
	DeadLettersPublishedTotal.Inc()
}

func RecordReplay() {
	IdempotentReplaysTotal.Inc()
}

func RecordConflict(resolution string) {
	IdempotencyConflictsTotal.WithLabelValues(resolution).Inc()
}

func RecordPruned(n int64) {
	IdempotencyPrunedTotal.Add(float64(n))
}

// UpdateOutboxDepth sets the depth gauge for every status in counts
func UpdateOutboxDepth(counts map[string]int64) {
	for status, n := range counts {
		OutboxDepth.WithLabelValues(status).Set(float64(n))
	}
}

func UpdateOldestPending(age time.Duration) {
	OutboxOldestPendingSeconds.Set(age.Seconds())
}
