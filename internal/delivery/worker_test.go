package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/austindbirch/harbor_mail/internal/email"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/mocks"
	"github.com/austindbirch/harbor_mail/internal/outbox"
)

var (
	errTransient = &email.SendError{Kind: email.ErrTransient, Reason: "http_5xx", Status: 503}
	errPermanent = &email.SendError{Kind: email.ErrPermanent, Reason: "http_4xx", Status: 422}
)

func testOptions(maxAttempts int) (Options, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return Options{
		PollInterval: 5 * time.Millisecond,
		Lease:        time.Minute,
		MaxAttempts:  maxAttempts,
		Policy:       RetryPolicy{Base: time.Second, Max: time.Minute},
		Logger:       logging.NewWithCore("worker-test", core),
	}, logs
}

// drain runs the worker until nothing is claimable.
func drain(t *testing.T, w *Worker) int {
	t.Helper()
	n := 0
	for {
		worked, err := w.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce() error: %v", err)
		}
		if !worked {
			return n
		}
		n++
		if n > 100 {
			t.Fatal("worker did not converge")
		}
	}
}

func TestWorker_SuccessDeletesTask(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, _ := testOptions(3)

	gw.EXPECT().Send(gomock.Any(), email.Message{
		To:       "reader@example.com",
		Subject:  "Issue #1",
		HTMLBody: "<p>hello</p>",
		TextBody: "hello",
	}).Return(nil).Times(1)

	before := testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("sent"))
	if n := drain(t, NewWorker("w-1", q, gw, opts)); n != 1 {
		t.Errorf("processed %d tasks, want 1", n)
	}
	if q.remaining() != 0 {
		t.Error("delivered task should be deleted")
	}
	if got := testutil.ToFloat64(metrics.DeliveriesTotal.WithLabelValues("sent")) - before; got != 1 {
		t.Errorf("sent delta = %v, want 1", got)
	}
}

func TestWorker_RetryExhaustion(t *testing.T) {
	for _, maxAttempts := range []int{1, 3, 6} {
		t.Run(fmt.Sprintf("max_attempts_%d", maxAttempts), func(t *testing.T) {
			ctrl := gomock.NewController(t)
			gw := mocks.NewMockGateway(ctrl)
			q := newFakeQueue(uuid.New(), "reader@example.com")
			opts, _ := testOptions(maxAttempts)

			gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errTransient).Times(maxAttempts)

			drain(t, NewWorker("w-1", q, gw, opts))

			row, ok := q.row("reader@example.com")
			if !ok {
				t.Fatal("task was deleted")
			}
			if row.status != outbox.StatusFailedTerminal {
				t.Errorf("status = %s, want failed_terminal", row.status)
			}
			if row.task.Attempt != maxAttempts {
				t.Errorf("attempts = %d, want %d", row.task.Attempt, maxAttempts)
			}
			if len(row.delays) != maxAttempts-1 {
				t.Errorf("retries = %d, want %d", len(row.delays), maxAttempts-1)
			}
			if !strings.HasPrefix(row.task.LastError, "max_attempts") {
				t.Errorf("last error = %q", row.task.LastError)
			}
		})
	}
}

func TestWorker_RetryDelaysFollowPolicy(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, _ := testOptions(4)

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errTransient).Times(4)
	drain(t, NewWorker("w-1", q, gw, opts))

	row, _ := q.row("reader@example.com")
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(row.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", row.delays, want)
	}
	for i := range want {
		if row.delays[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, row.delays[i], want[i])
		}
	}
}

func TestWorker_PermanentFailsImmediately(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, _ := testOptions(6)

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errPermanent).Times(1)

	before := testutil.ToFloat64(metrics.FailedTerminalTotal.WithLabelValues("permanent"))
	drain(t, NewWorker("w-1", q, gw, opts))

	row, _ := q.row("reader@example.com")
	if row.status != outbox.StatusFailedTerminal || row.task.Attempt != 1 {
		t.Errorf("row = %s after %d attempts, want failed_terminal after 1", row.status, row.task.Attempt)
	}
	if got := testutil.ToFloat64(metrics.FailedTerminalTotal.WithLabelValues("permanent")) - before; got != 1 {
		t.Errorf("failed_terminal{permanent} delta = %v, want 1", got)
	}
}

func TestWorker_UnclassifiedErrorIsRetried(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, _ := testOptions(2)

	gomock.InOrder(
		gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("connection reset")),
		gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil),
	)
	drain(t, NewWorker("w-1", q, gw, opts))

	if q.remaining() != 0 {
		t.Error("task should be delivered on the second attempt")
	}
}

func TestWorker_ReclaimAfterFinalAttemptIsNotSent(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	q.abandon("reader@example.com", 3)
	opts, _ := testOptions(3)

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Times(0)

	before := testutil.ToFloat64(metrics.FailedTerminalTotal.WithLabelValues("max_attempts"))
	if n := drain(t, NewWorker("w-1", q, gw, opts)); n != 1 {
		t.Errorf("processed %d tasks, want 1", n)
	}

	row, ok := q.row("reader@example.com")
	if !ok {
		t.Fatal("task was deleted")
	}
	if row.status != outbox.StatusFailedTerminal {
		t.Errorf("status = %s, want failed_terminal", row.status)
	}
	if !strings.HasPrefix(row.task.LastError, "max_attempts") {
		t.Errorf("last error = %q", row.task.LastError)
	}
	if got := testutil.ToFloat64(metrics.FailedTerminalTotal.WithLabelValues("max_attempts")) - before; got != 1 {
		t.Errorf("failed_terminal{max_attempts} delta = %v, want 1", got)
	}
}

func TestWorker_ReclaimWithAttemptsLeftIsSent(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	q.abandon("reader@example.com", 2)
	opts, _ := testOptions(3)

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errTransient).Times(1)
	drain(t, NewWorker("w-1", q, gw, opts))

	row, _ := q.row("reader@example.com")
	if row.status != outbox.StatusFailedTerminal || row.task.Attempt != 3 {
		t.Errorf("row = %s after %d attempts, want failed_terminal after 3", row.status, row.task.Attempt)
	}
}

func TestWorker_CrashLoopEndsAtMaxAttempts(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, _ := testOptions(3)

	// The worker dies mid-send every time, so no outcome is ever recorded.
	sends := 0
	gw.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, email.Message) error {
		sends++
		q.abandon("reader@example.com", sends)
		return nil
	}).Times(3)

	drain(t, NewWorker("w-1", q, gw, opts))

	row, ok := q.row("reader@example.com")
	if !ok {
		t.Fatal("task was deleted")
	}
	if row.status != outbox.StatusFailedTerminal {
		t.Errorf("status = %s, want failed_terminal", row.status)
	}
	if sends != 3 {
		t.Errorf("sends = %d, want 3", sends)
	}
}

func TestWorker_LeaseLost(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	q.steal = true
	opts, logs := testOptions(3)

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(nil)

	before := testutil.ToFloat64(metrics.LeaseLostTotal)
	worked, err := NewWorker("w-1", q, gw, opts).RunOnce(context.Background())
	if err != nil || !worked {
		t.Fatalf("RunOnce() = %v, %v", worked, err)
	}

	row, ok := q.row("reader@example.com")
	if !ok || row.owner != "other-worker" || row.status != outbox.StatusInProgress {
		t.Errorf("task owned by another worker must be left alone, got %+v", row)
	}
	if got := testutil.ToFloat64(metrics.LeaseLostTotal) - before; got != 1 {
		t.Errorf("lease lost delta = %v, want 1", got)
	}
	if logs.FilterMessage("lease lost before outcome was recorded").Len() != 1 {
		t.Error("expected a lease lost warning")
	}
}

func TestWorker_ClaimError(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New())
	q.claimErr = errors.New("db down")
	opts, _ := testOptions(3)

	worked, err := NewWorker("w-1", q, gw, opts).RunOnce(context.Background())
	if worked || err == nil {
		t.Errorf("RunOnce() = %v, %v, want claim error", worked, err)
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	topic  string
	bodies [][]byte
	err    error
}

func (p *capturePublisher) Publish(topic string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.bodies = append(p.bodies, body)
	return p.err
}

func TestWorker_PublishesDeadLetter(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	pub := &capturePublisher{}
	opts, _ := testOptions(1)
	opts.DeadLetters = NewDeadLetters(pub, "deliveries_failed")

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errPermanent)
	drain(t, NewWorker("w-1", q, gw, opts))

	if pub.topic != "deliveries_failed" || len(pub.bodies) != 1 {
		t.Fatalf("published %d to %q", len(pub.bodies), pub.topic)
	}
	var dl DeadLetter
	if err := json.Unmarshal(pub.bodies[0], &dl); err != nil {
		t.Fatal(err)
	}
	if dl.Type != DLQType || dl.Reason != "permanent" || dl.StatusCode != 422 || dl.Task.Email != "reader@example.com" {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestWorker_DeadLetterFailureKeepsOutcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, logs := testOptions(1)
	opts.DeadLetters = NewDeadLetters(&capturePublisher{err: errors.New("nsqd unreachable")}, "deliveries_failed")

	gw.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errTransient)
	drain(t, NewWorker("w-1", q, gw, opts))

	row, _ := q.row("reader@example.com")
	if row.status != outbox.StatusFailedTerminal {
		t.Errorf("status = %s, want failed_terminal", row.status)
	}
	if logs.FilterMessage("dead letter publish failed").Len() != 1 {
		t.Error("expected publish failure to be logged")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	opts, _ := testOptions(3)
	w := NewWorker("w-1", newFakeQueue(uuid.New()), gw, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestWorker_FinishesInFlightSendOnCancel(t *testing.T) {
	ctrl := gomock.NewController(t)
	gw := mocks.NewMockGateway(ctrl)
	q := newFakeQueue(uuid.New(), "reader@example.com")
	opts, _ := testOptions(3)

	ctx, cancel := context.WithCancel(context.Background())
	gw.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(func(sendCtx context.Context, _ email.Message) error {
		cancel()
		if sendCtx.Err() != nil {
			return sendCtx.Err()
		}
		return nil
	})

	if err := NewWorker("w-1", q, gw, opts).Run(ctx); err != nil {
		t.Fatal(err)
	}
	if q.remaining() != 0 {
		t.Error("send in flight at shutdown should still be acknowledged")
	}
}

// countingGateway checks that a recipient is never sent to concurrently.
type countingGateway struct {
	mu       sync.Mutex
	inFlight map[string]bool
	sent     map[string]int
	overlap  atomic.Bool
}

func (g *countingGateway) Send(ctx context.Context, msg email.Message) error {
	g.mu.Lock()
	if g.inFlight[msg.To] {
		g.overlap.Store(true)
	}
	g.inFlight[msg.To] = true
	g.mu.Unlock()

	time.Sleep(time.Millisecond)

	g.mu.Lock()
	g.inFlight[msg.To] = false
	g.sent[msg.To]++
	g.mu.Unlock()
	return nil
}

func TestPool_EachTaskDeliveredOnce(t *testing.T) {
	var emails []string
	for i := 0; i < 40; i++ {
		emails = append(emails, uuid.NewString()[:8]+"@example.com")
	}
	q := newFakeQueue(uuid.New(), emails...)
	gw := &countingGateway{inFlight: map[string]bool{}, sent: map[string]int{}}
	opts, _ := testOptions(3)
	pool := NewPool(4, "test", q, gw, opts)

	ids := map[string]bool{}
	for _, w := range pool.Workers() {
		ids[w.ID()] = true
	}
	if len(ids) != 4 {
		t.Fatalf("worker ids = %v, want 4 distinct", ids)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for q.remaining() > 0 {
		select {
		case <-deadline:
			t.Fatalf("%d tasks left undelivered", q.remaining())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if gw.overlap.Load() {
		t.Error("a recipient was sent to by two workers at once")
	}
	for _, e := range emails {
		if gw.sent[e] != 1 {
			t.Errorf("%s sent %d times, want 1", e, gw.sent[e])
		}
	}
}

func TestDefaultWorkerBase(t *testing.T) {
	a, b := DefaultWorkerBase(), DefaultWorkerBase()
	if a == b {
		t.Error("worker bases should be unique per process start")
	}
}
