package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_mail/internal/apperr"
	"github.com/austindbirch/harbor_mail/internal/idempotency"
	"github.com/austindbirch/harbor_mail/internal/issue"
	"github.com/austindbirch/harbor_mail/internal/logging"
	"github.com/austindbirch/harbor_mail/internal/metrics"
	"github.com/austindbirch/harbor_mail/internal/outbox"
	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// Executor is satisfied by *idempotency.Executor.
type Executor interface {
	Execute(ctx context.Context, key idempotency.Key, cmd idempotency.Command) (*idempotency.Response, error)
}

// Deliveries is the read side of the outbox. *outbox.Repository implements it.
type Deliveries interface {
	CountByIssue(ctx context.Context, issueID uuid.UUID) (map[outbox.Status]int64, error)
	ListFailed(ctx context.Context, publisherID string, limit int) ([]outbox.Task, error)
}

// Accepted is the body of a successful publish.
type Accepted struct {
	IssueID    uuid.UUID `json:"newsletter_issue_id"`
	Recipients int64     `json:"recipients"`
	Status     string    `json:"status"`
}

type Service struct {
	exec       Executor
	issues     issue.Querier
	deliveries Deliveries
}

func NewService(exec Executor, issues issue.Querier, deliveries Deliveries) *Service {
	return &Service{exec: exec, issues: issues, deliveries: deliveries}
}

// Publish stores the issue and one delivery task per confirmed subscriber in
// a single transaction, guarded by key. The returned response is the one to
// send to the client: freshly built, or replayed from an earlier request.
func (s *Service) Publish(ctx context.Context, key idempotency.Key, d issue.Draft) (*idempotency.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "publish.Publish",
		tracing.Publisher(key.UserID),
		tracing.Idempotent(!key.IsZero()),
	)
	defer span.End()

	if err := d.Validate(); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	var accepted *Accepted
	resp, err := s.exec.Execute(ctx, key, func(ctx context.Context, tx pgx.Tx) (*idempotency.Response, error) {
		tracing.AddSpanEvent(ctx, "db.insert_issue")
		is, err := issue.Insert(ctx, tx, key.UserID, d)
		if err != nil {
			return nil, err
		}

		tracing.AddSpanEvent(ctx, "db.enqueue_deliveries")
		n, err := outbox.Enqueue(ctx, tx, is.ID, tracing.Inject(ctx))
		if err != nil {
			return nil, err
		}

		accepted = &Accepted{IssueID: is.ID, Recipients: n, Status: "accepted"}
		return jsonResponse(http.StatusOK, accepted)
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}

	// accepted is only set when the command ran here and committed
	if accepted != nil {
		metrics.RecordIssuePublished(key.UserID, accepted.Recipients)
		span.SetAttributes(
			tracing.Issue(accepted.IssueID),
			attribute.Int64("harbormail.recipients", accepted.Recipients),
		)
		logging.WithContext(ctx).
			WithPublisher(key.UserID).
			WithIssue(accepted.IssueID.String()).
			WithField("recipients", accepted.Recipients).
			Info("issue accepted for delivery")
	} else {
		tracing.AddSpanEvent(ctx, "publish.replayed")
	}
	return resp, nil
}

func jsonResponse(status int, body any) (*idempotency.Response, error) {
	rec := idempotency.NewRecorder()
	rec.Header().Set("Content-Type", "application/json")
	rec.WriteHeader(status)
	if err := json.NewEncoder(rec).Encode(body); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return rec.Response(), nil
}

// IssueDeliveries reports the outstanding tasks of an issue.
type IssueDeliveries struct {
	IssueID     uuid.UUID        `json:"newsletter_issue_id"`
	Title       string           `json:"title"`
	PublishedAt time.Time        `json:"published_at"`
	Counts      map[string]int64 `json:"counts"`
	Outstanding int64            `json:"outstanding"`
}

// Deliveries returns per-status counts for one of the publisher's issues.
// Delivered tasks are deleted, so only pending, in-progress and failed tasks
// are counted.
func (s *Service) Deliveries(ctx context.Context, publisherID string, issueID uuid.UUID) (IssueDeliveries, error) {
	is, err := issue.Get(ctx, s.issues, issueID)
	if err != nil {
		return IssueDeliveries{}, err
	}
	if is.PublisherID != publisherID {
		return IssueDeliveries{}, apperr.NotFoundf("newsletter issue %s not found", issueID)
	}

	counts, err := s.deliveries.CountByIssue(ctx, issueID)
	if err != nil {
		return IssueDeliveries{}, err
	}
	out := IssueDeliveries{
		IssueID:     is.ID,
		Title:       is.Title,
		PublishedAt: is.PublishedAt,
		Counts:      make(map[string]int64, len(counts)),
	}
	for status, n := range counts {
		out.Counts[string(status)] = n
		out.Outstanding += n
	}
	return out, nil
}

// FailedDelivery is one task parked in failed_terminal.
type FailedDelivery struct {
	IssueID   uuid.UUID `json:"newsletter_issue_id"`
	Email     string    `json:"subscriber_email"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// FailedDeliveries lists terminal failures of the publisher's own issues.
func (s *Service) FailedDeliveries(ctx context.Context, publisherID string, limit int) ([]FailedDelivery, error) {
	tasks, err := s.deliveries.ListFailed(ctx, publisherID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]FailedDelivery, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, FailedDelivery{
			IssueID:   t.IssueID,
			Email:     t.Email,
			Attempts:  t.Attempt,
			LastError: t.LastError,
			FailedAt:  t.UpdatedAt,
		})
	}
	return out, nil
}
