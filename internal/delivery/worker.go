package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/harbor_mail/internal/email"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/outbox"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// Queue is the outbox as seen by a worker. *outbox.Repository implements it.
type Queue interface {
	Claim(ctx context.Context, workerID string, lease time.Duration) (outbox.Task, error)
	Complete(ctx context.Context, t outbox.Task) error
	Retry(ctx context.Context, t outbox.Task, delay time.Duration, reason string) error
	Fail(ctx context.Context, t outbox.Task, reason string) error
}

type Options struct {
	PollInterval time.Duration
	Lease        time.Duration
	MaxAttempts  int
	Policy       RetryPolicy
	DeadLetters  *DeadLetters // optional
	Logger       *logging.Logger
}

// errAttemptsExhausted marks a task reclaimed after its lease expired on the
// final attempt. The earlier outcome is unknown, so it is not sent again.
var errAttemptsExhausted = errors.New("lease expired after final attempt")

// Worker claims one task at a time, sends it, and records the outcome.
type Worker struct {
	id      string
	queue   Queue
	gateway email.Gateway
	opts    Options
	log     *logging.Logger
}

func NewWorker(id string, q Queue, g email.Gateway, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	log := opts.Logger
	if log == nil {
		log = logging.New("harbormail-worker")
	}
	return &Worker{id: id, queue: q, gateway: g, opts: opts, log: log}
}

func (w *Worker) ID() string { return w.id }

// Run processes tasks until ctx is cancelled. A claimed task is finished even
// if ctx is cancelled mid-send, bounded by the lease.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Plain().WithWorker(w.id).Info("worker started")
	defer w.log.Plain().WithWorker(w.id).Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.log.Plain().WithWorker(w.id).WithError(err).Error("claim failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce claims and handles at most one task. It reports whether a task was
// claimed; the error is only for claim failures.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	t, err := w.queue.Claim(ctx, w.id, w.opts.Lease)
	if errors.Is(err, outbox.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.Lease)
	defer cancel()
	w.handle(taskCtx, t)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, t outbox.Task) {
	ctx = tracing.Extract(ctx, t.TraceContext)
	ctx, span := tracing.StartConsumerSpan(ctx, "worker.delivery",
		tracing.Issue(t.IssueID),
		tracing.Worker(w.id),
		tracing.Attempt(t.Attempt),
		tracing.RecipientDomain(t.Email),
	)
	defer span.End()

	if t.Attempt > w.opts.MaxAttempts {
		log := w.log.WithContext(ctx).
			WithWorker(w.id).
			WithIssue(t.IssueID.String()).
			WithRecipient(t.Email).
			WithField("attempt", t.Attempt).
			WithError(errAttemptsExhausted)
		w.fail(ctx, log, t, errAttemptsExhausted, "max_attempts", 0)
		return
	}

	tracing.AddSpanEvent(ctx, "email.send")
	start := time.Now()
	sendErr := w.gateway.Send(ctx, messageFor(t))
	latency := time.Since(start)

	log := w.log.WithContext(ctx).
		WithWorker(w.id).
		WithIssue(t.IssueID.String()).
		WithRecipient(t.Email).
		WithField("attempt", t.Attempt)

	if sendErr == nil {
		tracing.AddSpanEvent(ctx, "delivery.sent")
		metrics.RecordDelivery("sent", latency)
		w.settle(ctx, log, w.queue.Complete(ctx, t), "complete")
		return
	}

	reason := email.Reason(sendErr)
	span.SetAttributes(attribute.String("failure_reason", reason))
	tracing.SetSpanError(ctx, sendErr)
	log = log.WithError(sendErr).WithField("reason", reason)

	if email.IsPermanent(sendErr) {
		w.fail(ctx, log, t, sendErr, "permanent", latency)
		return
	}
	if t.Attempt >= w.opts.MaxAttempts {
		w.fail(ctx, log, t, sendErr, "max_attempts", latency)
		return
	}

	delay := w.opts.Policy.Delay(t.Attempt)
	tracing.AddSpanEvent(ctx, "delivery.retry",
		tracing.Attempt(t.Attempt),
		attribute.String("delay", delay.String()),
	)
	metrics.RecordDelivery("retry", latency)
	metrics.RecordRetry(reason)
	if w.settle(ctx, log, w.queue.Retry(ctx, t, delay, sendErr.Error()), "retry") {
		log.WithField("delay", delay.String()).Warn("delivery retry scheduled")
	}
}

func (w *Worker) fail(ctx context.Context, log *logging.LogEntry, t outbox.Task, sendErr error, why string, latency time.Duration) {
	tracing.AddSpanEvent(ctx, "delivery.failed_terminal", attribute.String("why", why))
	metrics.RecordDelivery("failed_terminal", latency)
	metrics.RecordFailedTerminal(why)

	lastErr := fmt.Sprintf("%s: %v", why, sendErr)
	if !w.settle(ctx, log, w.queue.Fail(ctx, t, lastErr), "fail") {
		return
	}
	log.WithField("why", why).Error("delivery failed terminally")

	if w.opts.DeadLetters == nil {
		return
	}
	status := 0
	var se *email.SendError
	if errors.As(sendErr, &se) {
		status = se.Status
	}
	if err := w.opts.DeadLetters.Publish(NewDeadLetter(t, status, sendErr.Error(), why)); err != nil {
		log.WithError(err).Error("dead letter publish failed")
		return
	}
	metrics.RecordDeadLetterPublished()
	tracing.AddSpanEvent(ctx, "nsq.published_dead_letter", attribute.String("topic", w.opts.DeadLetters.Topic()))
}

// settle reports whether the transition was applied. A lost lease means
// another worker owns the task now; it is left alone.
func (w *Worker) settle(ctx context.Context, log *logging.LogEntry, err error, op string) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, outbox.ErrLeaseLost):
		metrics.RecordLeaseLost()
		tracing.AddSpanEvent(ctx, "delivery.lease_lost")
		log.WithField("op", op).Warn("lease lost before outcome was recorded")
	default:
		tracing.SetSpanError(ctx, err)
		log.WithField("op", op).WithError(err).Error("recording delivery outcome failed")
	}
	return false
}

// Pool runs several workers against the same queue.
type Pool struct {
	workers []*Worker
}

// NewPool builds n workers named "<base>-<i>". An empty base derives one from
// the hostname so that several processes never share lease owner names.
func NewPool(n int, base string, q Queue, g email.Gateway, opts Options) *Pool {
	if base == "" {
		base = DefaultWorkerBase()
	}
	p := &Pool{}
	for i := 1; i <= n; i++ {
		p.workers = append(p.workers, NewWorker(fmt.Sprintf("%s-%d", base, i), q, g, opts))
	}
	return p
}

func (p *Pool) Workers() []*Worker { return p.workers }

// Run blocks until ctx is cancelled and every worker has finished its
// current task.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

func DefaultWorkerBase() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
