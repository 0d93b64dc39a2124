package publish

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/outbox"
)

// fakeTx records statements; only Exec is implemented.
type fakeTx struct {
	pgx.Tx
	recipients int64
	err        error
	mu         sync.Mutex
	execs      []string
	args       [][]any
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.execs = append(tx.execs, sql)
	tx.args = append(tx.args, args)
	if tx.err != nil {
		return pgconn.CommandTag{}, tx.err
	}
	if strings.Contains(sql, "issue_delivery_queue") {
		return pgconn.NewCommandTag("INSERT 0 " + strconv.FormatInt(tx.recipients, 10)), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

// fakeExecutor saves completed responses per key like the real executor,
// without the concurrency handling.
type fakeExecutor struct {
	mu    sync.Mutex
	tx    *fakeTx
	saved map[idempotency.Key]*idempotency.Response
	runs  int
	err   error
}

func newFakeExecutor(recipients int64) *fakeExecutor {
	return &fakeExecutor{
		tx:    &fakeTx{recipients: recipients},
		saved: make(map[idempotency.Key]*idempotency.Response),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, key idempotency.Key, cmd idempotency.Command) (*idempotency.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if !key.IsZero() {
		if resp, ok := f.saved[key]; ok {
			return resp, nil
		}
	}
	resp, err := cmd(ctx, f.tx)
	if err != nil {
		return nil, err
	}
	f.runs++
	if !key.IsZero() {
		f.saved[key] = resp
	}
	return resp, nil
}

type issueRow struct {
	id          uuid.UUID
	publisherID string
	title       string
	publishedAt time.Time
}

type fakeIssues struct {
	rows map[uuid.UUID]issueRow
}

type rowFunc func(dest ...any) error

func (f rowFunc) Scan(dest ...any) error { return f(dest...) }

func (f *fakeIssues) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	id := args[0].(uuid.UUID)
	return rowFunc(func(dest ...any) error {
		r, ok := f.rows[id]
		if !ok {
			return pgx.ErrNoRows
		}
		*dest[0].(*uuid.UUID) = r.id
		*dest[1].(*string) = r.publisherID
		*dest[2].(*string) = r.title
		*dest[3].(*string) = "text"
		*dest[4].(*string) = "<p>html</p>"
		*dest[5].(*time.Time) = r.publishedAt
		return nil
	})
}

type fakeDeliveries struct {
	counts       map[outbox.Status]int64
	failed       []outbox.Task
	gotLimit     int
	gotPublisher string
	gotIssue     uuid.UUID
	listError    error
}

func (f *fakeDeliveries) CountByIssue(ctx context.Context, issueID uuid.UUID) (map[outbox.Status]int64, error) {
	f.gotIssue = issueID
	return f.counts, nil
}

func (f *fakeDeliveries) ListFailed(ctx context.Context, publisherID string, limit int) ([]outbox.Task, error) {
	f.gotPublisher = publisherID
	f.gotLimit = limit
	return f.failed, f.listError
}
