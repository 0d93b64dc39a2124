package delivery

import (
	"time"

	"github.com/austindbirch/harbor_mail/internal/email"
	"github.com/austindbirch/harbor_mail/internal/outbox"
)

// Snapshot is the JSON view of a delivery task carried in dead letters.
type Snapshot struct {
	IssueID      string            `json:"newsletter_issue_id"`
	Email        string            `json:"subscriber_email"`
	Title        string            `json:"title"`
	Attempt      int               `json:"attempt"`
	CreatedAt    string            `json:"created_at"` // RFC3339
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func snapshotOf(t outbox.Task) Snapshot {
	return Snapshot{
		IssueID:      t.IssueID.String(),
		Email:        t.Email,
		Title:        t.Title,
		Attempt:      t.Attempt,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		TraceHeaders: t.TraceContext,
	}
}

func messageFor(t outbox.Task) email.Message {
	return email.Message{
		To:       t.Email,
		Subject:  t.Title,
		HTMLBody: t.HTMLContent,
		TextBody: t.TextContent,
	}
}
