package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_mail/internal/apperr"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Execer is satisfied by pgx.Tx; Enqueue must run in the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	enqueueSQL = `
		INSERT INTO harbormail.issue_delivery_queue
			(newsletter_issue_id, subscriber_email, status, attempt_count, next_attempt_at, trace_context)
		SELECT $1, email, 'pending', 0, now(), $2
		FROM harbormail.subscriptions
		WHERE status = 'confirmed'`

	// claimSQL picks one ready task, skipping rows other workers hold, and
	// leases it in the same statement. Expired leases are reclaimable.
	claimSQL = `
		WITH next AS (
			SELECT newsletter_issue_id, subscriber_email
			FROM harbormail.issue_delivery_queue
			WHERE (status = 'pending' AND next_attempt_at <= now())
			   OR (status = 'in_progress' AND locked_until < now())
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE harbormail.issue_delivery_queue q SET
			status = 'in_progress',
			attempt_count = q.attempt_count + 1,
			locked_by = $1,
			locked_until = now() + ($2::bigint * interval '1 millisecond'),
			updated_at = now()
		FROM next, harbormail.newsletter_issues i
		WHERE q.newsletter_issue_id = next.newsletter_issue_id
		  AND q.subscriber_email = next.subscriber_email
		  AND i.newsletter_issue_id = q.newsletter_issue_id
		RETURNING q.newsletter_issue_id, q.subscriber_email, q.attempt_count, q.last_error,
			q.next_attempt_at, q.locked_until, q.trace_context, q.created_at,
			i.title, i.html_content, i.text_content`

	completeSQL = `
		DELETE FROM harbormail.issue_delivery_queue
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2
		  AND status = 'in_progress' AND locked_by = $3`

	retrySQL = `
		UPDATE harbormail.issue_delivery_queue SET
			status = 'pending',
			locked_by = NULL,
			locked_until = NULL,
			last_error = $4,
			next_attempt_at = now() + ($5::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2
		  AND status = 'in_progress' AND locked_by = $3`

	failSQL = `
		UPDATE harbormail.issue_delivery_queue SET
			status = 'failed_terminal',
			locked_by = NULL,
			locked_until = NULL,
			last_error = $4,
			updated_at = now()
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2
		  AND status = 'in_progress' AND locked_by = $3`

	statsSQL = `
		SELECT status, count(*), EXTRACT(EPOCH FROM now() - min(created_at))::float8
		FROM harbormail.issue_delivery_queue
		GROUP BY status`

	issueStatsSQL = `
		SELECT status, count(*)
		FROM harbormail.issue_delivery_queue
		WHERE newsletter_issue_id = $1
		GROUP BY status`

	listFailedSQL = `
		SELECT q.newsletter_issue_id, q.subscriber_email, q.status, q.attempt_count, COALESCE(q.last_error, ''),
			q.next_attempt_at, q.trace_context, q.created_at, q.updated_at
		FROM harbormail.issue_delivery_queue q
		JOIN harbormail.newsletter_issues i ON i.newsletter_issue_id = q.newsletter_issue_id
		WHERE q.status = 'failed_terminal' AND i.publisher_id = $1
		ORDER BY q.updated_at DESC
		LIMIT $2`
)

// Repository is the Postgres backed delivery outbox.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

// Enqueue writes one pending task per confirmed subscriber for issueID and
// returns how many were written. It runs inside tx so the tasks commit or
// roll back together with the issue.
func Enqueue(ctx context.Context, tx Execer, issueID uuid.UUID, trace tracing.Carrier) (int64, error) {
	if trace == nil {
		trace = tracing.Carrier{}
	}
	raw, err := json.Marshal(trace)
	if err != nil {
		return 0, fmt.Errorf("encode trace context: %w", err)
	}
	tag, err := tx.Exec(ctx, enqueueSQL, issueID, raw)
	if err != nil {
		return 0, apperr.MapDBError(fmt.Errorf("enqueue delivery tasks: %w", err))
	}
	return tag.RowsAffected(), nil
}

// Claim leases the next ready task to workerID for lease. It returns ErrNoTask
// when nothing is ready.
func (r *Repository) Claim(ctx context.Context, workerID string, lease time.Duration) (Task, error) {
	var (
		t         Task
		lastError *string
		rawTrace  []byte
	)
	err := r.db.QueryRow(ctx, claimSQL, workerID, lease.Milliseconds()).Scan(
		&t.IssueID, &t.Email, &t.Attempt, &lastError,
		&t.NextAttemptAt, &t.LockedUntil, &rawTrace, &t.CreatedAt,
		&t.Title, &t.HTMLContent, &t.TextContent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Task{}, ErrNoTask
	}
	if err != nil {
		return Task{}, apperr.MapDBError(fmt.Errorf("claim delivery task: %w", err))
	}
	t.Status = StatusInProgress
	t.LockedBy = workerID
	if lastError != nil {
		t.LastError = *lastError
	}
	t.TraceContext = decodeTrace(rawTrace)
	return t, nil
}

// Complete acknowledges a delivered task by deleting it.
func (r *Repository) Complete(ctx context.Context, t Task) error {
	tag, err := r.db.Exec(ctx, completeSQL, t.IssueID, t.Email, t.LockedBy)
	return guarded(tag, err, "complete")
}

// Retry releases the task back to pending, eligible again after delay.
func (r *Repository) Retry(ctx context.Context, t Task, delay time.Duration, reason string) error {
	tag, err := r.db.Exec(ctx, retrySQL, t.IssueID, t.Email, t.LockedBy, reason, delay.Milliseconds())
	return guarded(tag, err, "retry")
}

// Fail parks the task in failed_terminal. It is never picked up again.
func (r *Repository) Fail(ctx context.Context, t Task, reason string) error {
	tag, err := r.db.Exec(ctx, failSQL, t.IssueID, t.Email, t.LockedBy, reason)
	return guarded(tag, err, "fail")
}

func guarded(tag pgconn.CommandTag, err error, op string) error {
	if err != nil {
		return apperr.MapDBError(fmt.Errorf("%s delivery task: %w", op, err))
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Stats counts tasks per status and the age of the oldest pending task.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	rows, err := r.db.Query(ctx, statsSQL)
	if err != nil {
		return Stats{}, apperr.MapDBError(fmt.Errorf("outbox stats: %w", err))
	}
	defer rows.Close()

	st := Stats{ByStatus: emptyCounts()}
	for rows.Next() {
		var (
			status string
			n      int64
			oldest float64
		)
		if err := rows.Scan(&status, &n, &oldest); err != nil {
			return Stats{}, fmt.Errorf("scan outbox stats: %w", err)
		}
		st.ByStatus[Status(status)] = n
		if Status(status) == StatusPending {
			st.OldestPending = time.Duration(oldest * float64(time.Second))
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, apperr.MapDBError(fmt.Errorf("outbox stats: %w", err))
	}
	return st, nil
}

// CountByIssue counts the outstanding tasks of one issue per status.
func (r *Repository) CountByIssue(ctx context.Context, issueID uuid.UUID) (map[Status]int64, error) {
	rows, err := r.db.Query(ctx, issueStatsSQL, issueID)
	if err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("issue delivery counts: %w", err))
	}
	defer rows.Close()

	counts := emptyCounts()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan issue delivery counts: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("issue delivery counts: %w", err))
	}
	return counts, nil
}

// ListFailed returns the most recently failed tasks of publisherID's issues,
// newest first.
func (r *Repository) ListFailed(ctx context.Context, publisherID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, listFailedSQL, publisherID, limit)
	if err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("list failed deliveries: %w", err))
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var (
			t        Task
			status   string
			rawTrace []byte
		)
		if err := rows.Scan(&t.IssueID, &t.Email, &status, &t.Attempt, &t.LastError,
			&t.NextAttemptAt, &rawTrace, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan failed delivery: %w", err)
		}
		t.Status = Status(status)
		t.TraceContext = decodeTrace(rawTrace)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("list failed deliveries: %w", err))
	}
	return tasks, nil
}

func emptyCounts() map[Status]int64 {
	return map[Status]int64{
		StatusPending:        0,
		StatusInProgress:     0,
		StatusFailedTerminal: 0,
	}
}

func decodeTrace(raw []byte) tracing.Carrier {
	if len(raw) == 0 {
		return nil
	}
	var c tracing.Carrier
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	return c
}
