package issue

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_mail/internal/apperr"
)

// MaxTitleLength bounds the issue title, in characters.
const MaxTitleLength = 200

// Draft is the publisher supplied content of an issue.
type Draft struct {
	Title       string `json:"title"`
	HTMLContent string `json:"html_content"`
	TextContent string `json:"text_content"`
}

// Issue is a published newsletter issue. Rows are never updated or deleted.
type Issue struct {
	ID          uuid.UUID
	PublisherID string
	Title       string
	HTMLContent string
	TextContent string
	PublishedAt time.Time
}

// Validate trims the title and checks the draft can be published.
func (d *Draft) Validate() error {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return apperr.Validation("title", "title is required")
	}
	if n := utf8.RuneCountInString(d.Title); n > MaxTitleLength {
		return apperr.Validation("title", fmt.Sprintf("title must be at most %d characters", MaxTitleLength))
	}
	if strings.TrimSpace(d.HTMLContent) == "" && strings.TrimSpace(d.TextContent) == "" {
		return apperr.Validation("content", "html_content or text_content is required")
	}
	return nil
}

// Execer is satisfied by pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertSQL = `
	INSERT INTO harbormail.newsletter_issues
		(newsletter_issue_id, publisher_id, title, text_content, html_content, published_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// Insert stores a new issue with a fresh ID inside tx.
func Insert(ctx context.Context, tx Execer, publisherID string, d Draft) (Issue, error) {
	is := Issue{
		ID:          uuid.New(),
		PublisherID: publisherID,
		Title:       d.Title,
		HTMLContent: d.HTMLContent,
		TextContent: d.TextContent,
		PublishedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, insertSQL, is.ID, is.PublisherID, is.Title, is.TextContent, is.HTMLContent, is.PublishedAt); err != nil {
		return Issue{}, apperr.MapDBError(fmt.Errorf("insert newsletter issue: %w", err))
	}
	return is, nil
}

// Querier is satisfied by pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const getSQL = `
	SELECT newsletter_issue_id, publisher_id, title, text_content, html_content, published_at
	FROM harbormail.newsletter_issues
	WHERE newsletter_issue_id = $1`

// Get loads an issue by ID; a missing issue maps to a not_found error.
func Get(ctx context.Context, q Querier, id uuid.UUID) (Issue, error) {
	var is Issue
	err := q.QueryRow(ctx, getSQL, id).Scan(&is.ID, &is.PublisherID, &is.Title, &is.TextContent, &is.HTMLContent, &is.PublishedAt)
	if err != nil {
		return Issue{}, apperr.MapDBError(fmt.Errorf("get newsletter issue %s: %w", id, err))
	}
	return is, nil
}
