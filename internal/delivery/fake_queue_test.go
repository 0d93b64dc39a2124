package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/outbox"
)

type fakeRow struct {
	task   outbox.Task
	status outbox.Status
	owner  string
	delays []time.Duration
	// expired marks an in_progress row whose lease ran out.
	expired bool
}

// fakeQueue mimics the row-level semantics of the outbox table: claim counts
// the attempt, transitions require the current owner, success deletes.
type fakeQueue struct {
	mu       sync.Mutex
	rows     map[string]*fakeRow
	order    []string
	claimErr error
	// steal reassigns a task after it is claimed, simulating lease expiry.
	steal bool
}

func newFakeQueue(issue uuid.UUID, emails ...string) *fakeQueue {
	q := &fakeQueue{rows: make(map[string]*fakeRow)}
	for _, e := range emails {
		q.rows[e] = &fakeRow{
			task: outbox.Task{
				IssueID:     issue,
				Email:       e,
				Title:       "Issue #1",
				HTMLContent: "<p>hello</p>",
				TextContent: "hello",
				CreatedAt:   time.Now(),
			},
			status: outbox.StatusPending,
		}
		q.order = append(q.order, e)
	}
	return q
}

func (q *fakeQueue) Claim(ctx context.Context, workerID string, lease time.Duration) (outbox.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return outbox.Task{}, q.claimErr
	}
	for _, e := range q.order {
		r, ok := q.rows[e]
		if !ok || !(r.status == outbox.StatusPending || r.status == outbox.StatusInProgress && r.expired) {
			continue
		}
		r.expired = false
		r.status = outbox.StatusInProgress
		r.owner = workerID
		r.task.Attempt++
		t := r.task
		t.Status = outbox.StatusInProgress
		t.LockedBy = workerID
		if q.steal {
			r.owner = "other-worker"
		}
		return t, nil
	}
	return outbox.Task{}, outbox.ErrNoTask
}

func (q *fakeQueue) owned(t outbox.Task) (*fakeRow, error) {
	r, ok := q.rows[t.Email]
	if !ok || r.status != outbox.StatusInProgress || r.owner != t.LockedBy {
		return nil, outbox.ErrLeaseLost
	}
	return r, nil
}

func (q *fakeQueue) Complete(ctx context.Context, t outbox.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.owned(t); err != nil {
		return err
	}
	delete(q.rows, t.Email)
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, t outbox.Task, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.owned(t)
	if err != nil {
		return err
	}
	r.status = outbox.StatusPending
	r.owner = ""
	r.task.LastError = reason
	r.delays = append(r.delays, delay)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, t outbox.Task, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, err := q.owned(t)
	if err != nil {
		return err
	}
	r.status = outbox.StatusFailedTerminal
	r.owner = ""
	r.task.LastError = reason
	return nil
}

// abandon leaves the row in_progress under a dead worker with an expired
// lease after attempts claims.
func (q *fakeQueue) abandon(email string, attempts int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := q.rows[email]
	r.status = outbox.StatusInProgress
	r.owner = "crashed-worker"
	r.task.Attempt = attempts
	r.expired = true
}

func (q *fakeQueue) row(email string) (fakeRow, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[email]
	if !ok {
		return fakeRow{}, false
	}
	return *r, true
}

func (q *fakeQueue) remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rows)
}
