package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	// vectors only show up in Gather once a child exists
	RecordIssuePublished("publisher-1", 3)
	RecordDelivery("sent", 120*time.Millisecond)
	RecordRetry("http_5xx")
	RecordFailedTerminal("permanent")
	RecordLeaseLost()
	RecordDeadLetterPublished()
	RecordReplay()
	RecordConflict("replayed")
	RecordPruned(2)
	UpdateOutboxDepth(map[string]int64{"pending": 1})
	UpdateOldestPending(time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	got := make(map[string]bool)
	for _, mf := range families {
		got[mf.GetName()] = true
	}

	expected := []string{
		"harbormail_issues_published_total",
		"harbormail_deliveries_enqueued_total",
		"harbormail_deliveries_total",
		"harbormail_delivery_latency_seconds",
		"harbormail_retries_total",
		"harbormail_failed_terminal_total",
		"harbormail_lease_lost_total",
		"harbormail_dead_letters_published_total",
		"harbormail_idempotent_replays_total",
		"harbormail_idempotency_conflicts_total",
		"harbormail_idempotency_pruned_total",
		"harbormail_outbox_depth",
		"harbormail_outbox_oldest_pending_seconds",
	}
	for _, name := range expected {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}

func TestRecordIssuePublished(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesEnqueuedTotal)
	beforeIssues := testutil.ToFloat64(IssuesPublishedTotal.WithLabelValues("publisher-x"))

	RecordIssuePublished("publisher-x", 5)

	if got := testutil.ToFloat64(DeliveriesEnqueuedTotal) - before; got != 5 {
		t.Errorf("enqueued delta = %v, want 5", got)
	}
	if got := testutil.ToFloat64(IssuesPublishedTotal.WithLabelValues("publisher-x")) - beforeIssues; got != 1 {
		t.Errorf("issues delta = %v, want 1", got)
	}
}

func TestRecordDelivery(t *testing.T) {
	tests := []struct {
		outcome string
		latency time.Duration
	}{
		{outcome: "sent", latency: 50 * time.Millisecond},
		{outcome: "retry", latency: 2 * time.Second},
		{outcome: "failed_terminal", latency: 10 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues(tt.outcome))
			RecordDelivery(tt.outcome, tt.latency)
			if got := testutil.ToFloat64(DeliveriesTotal.WithLabelValues(tt.outcome)) - before; got != 1 {
				t.Errorf("deliveries delta = %v, want 1", got)
			}
		})
	}
}

func TestUpdateOutboxDepth(t *testing.T) {
	UpdateOutboxDepth(map[string]int64{
		"pending":         7,
		"in_progress":     2,
		"failed_terminal": 1,
	})

	expected := `
		# HELP harbormail_outbox_depth Current number of delivery tasks in the outbox by status.
		# TYPE harbormail_outbox_depth gauge
		harbormail_outbox_depth{status="failed_terminal"} 1
		harbormail_outbox_depth{status="in_progress"} 2
		harbormail_outbox_depth{status="pending"} 7
	`
	if err := testutil.CollectAndCompare(OutboxDepth, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected outbox depth: %v", err)
	}
}

func TestRecordPruned(t *testing.T) {
	before := testutil.ToFloat64(IdempotencyPrunedTotal)
	RecordPruned(0)
	RecordPruned(4)
	if got := testutil.ToFloat64(IdempotencyPrunedTotal) - before; got != 4 {
		t.Errorf("pruned delta = %v, want 4", got)
	}
}

func TestRecordConflict(t *testing.T) {
	for _, resolution := range []string{"replayed", "retried", "in_flight"} {
		before := testutil.ToFloat64(IdempotencyConflictsTotal.WithLabelValues(resolution))
		RecordConflict(resolution)
		if got := testutil.ToFloat64(IdempotencyConflictsTotal.WithLabelValues(resolution)) - before; got != 1 {
			t.Errorf("%s delta = %v, want 1", resolution, got)
		}
	}
}
