package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// Command is the side-effecting work guarded by a key. It must perform all of
// its writes through tx and return the response to save, or an error to roll
// everything back.
type Command func(ctx context.Context, tx pgx.Tx) (*Response, error)

// Executor runs commands at most once per key.
type Executor struct {
	store       Store
	waitTimeout time.Duration
	// newBackOff is replaceable in tests.
	newBackOff func() backoff.BackOff
}

func NewExecutor(store Store, waitTimeout time.Duration) *Executor {
	return &Executor{
		store:       store,
		waitTimeout: waitTimeout,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			b.Multiplier = 2
			return b
		},
	}
}

// Execute runs cmd under key:
//   - no key: cmd runs in its own transaction, nothing is saved
//   - completed key: the saved response is returned and cmd does not run
//   - new key: cmd runs in the reservation transaction and its response is saved on commit
//   - key held by a concurrent request: wait for that request's response; if it
//     aborted, try to take the key over; give up with ErrInFlight after the wait budget
//
// A command error rolls back the reservation and is returned unchanged. Failures are never saved.
func (e *Executor) Execute(ctx context.Context, key Key, cmd Command) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "idempotency.execute",
		tracing.Publisher(key.UserID),
		tracing.Idempotent(!key.IsZero()),
	)
	defer span.End()

	if key.IsZero() {
		res, err := e.store.Unkeyed(ctx)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			return nil, err
		}
		return e.run(ctx, res, cmd)
	}

	saved, err := e.store.Lookup(ctx, key)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if saved != nil {
		metrics.RecordReplay()
		tracing.AddSpanEvent(ctx, "idempotency.replayed")
		return saved, nil
	}

	resp, err := e.reserveAndRun(ctx, key, cmd)
	if !errors.Is(err, ErrAlreadyStarted) {
		if err != nil {
			tracing.SetSpanError(ctx, err)
		}
		return resp, err
	}

	tracing.AddSpanEvent(ctx, "idempotency.contended")
	return e.awaitWinner(ctx, key, cmd)
}

// awaitWinner polls for the response of the request holding key. A free key
// (the holder rolled back) is reserved and cmd runs here instead.
func (e *Executor) awaitWinner(ctx context.Context, key Key, cmd Command) (*Response, error) {
	replayed := false
	op := func() (*Response, error) {
		saved, err := e.store.Lookup(ctx, key)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if saved != nil {
			replayed = true
			return saved, nil
		}
		resp, err := e.reserveAndRun(ctx, key, cmd)
		if errors.Is(err, ErrAlreadyStarted) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(e.newBackOff())}
	if e.waitTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(e.waitTimeout))
	} else {
		// a zero budget still gets the one immediate look
		opts = append(opts, backoff.WithMaxTries(1))
	}
	resp, err := backoff.Retry(ctx, op, opts...)
	switch {
	case errors.Is(err, ErrAlreadyStarted):
		metrics.RecordConflict("in_flight")
		logging.WithContext(ctx).
			WithPublisher(key.UserID).
			WithField("idempotency_key", key.Value).
			WithField("wait_timeout", e.waitTimeout.String()).
			Warn("gave up waiting for concurrent request")
		tracing.SetSpanError(ctx, ErrInFlight)
		return nil, ErrInFlight
	case err != nil:
		tracing.SetSpanError(ctx, err)
		return nil, err
	case replayed:
		metrics.RecordConflict("replayed")
		metrics.RecordReplay()
		return resp, nil
	default:
		metrics.RecordConflict("retried")
		return resp, nil
	}
}

func (e *Executor) reserveAndRun(ctx context.Context, key Key, cmd Command) (*Response, error) {
	res, err := e.store.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, res, cmd)
}

func (e *Executor) run(ctx context.Context, res Reservation, cmd Command) (resp *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			_ = res.Abort(context.WithoutCancel(ctx))
			panic(p)
		}
	}()

	resp, err = cmd(ctx, res.Tx())
	if err != nil {
		if abortErr := res.Abort(context.WithoutCancel(ctx)); abortErr != nil {
			logging.WithContext(ctx).WithError(abortErr).Warn("rollback after command failure")
		}
		return nil, err
	}
	if resp == nil {
		_ = res.Abort(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("command returned no response")
	}
	if err := res.Complete(ctx, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
