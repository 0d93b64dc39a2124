package outbox

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// Status is the lifecycle state of a delivery task. Delivered tasks are
// deleted, so there is no "sent" status.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in_progress"
	StatusFailedTerminal Status = "failed_terminal"
)

var (
	// ErrNoTask means nothing is ready to claim right now.
	ErrNoTask = errors.New("no delivery task ready")
	// ErrLeaseLost means the task is no longer held by this worker.
	ErrLeaseLost = errors.New("delivery task lease lost")
)

// Task is one (issue, subscriber) delivery, joined with the issue content.
type Task struct {
	IssueID       uuid.UUID
	Email         string
	Status        Status
	Attempt       int // attempts consumed, including the current claim
	LastError     string
	NextAttemptAt time.Time
	LockedBy      string
	LockedUntil   time.Time
	TraceContext  tracing.Carrier
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Title       string
	HTMLContent string
	TextContent string
}

// Stats summarises the queue for monitoring.
type Stats struct {
	ByStatus      map[Status]int64
	OldestPending time.Duration
}
