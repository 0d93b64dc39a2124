package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrAlreadyStarted means another request holds or has completed the key.
	ErrAlreadyStarted = errors.New("idempotency key already started")
	// ErrInFlight means the request holding the key did not finish within the wait budget.
	ErrInFlight = errors.New("request with this idempotency key is still in flight")
)

// Store persists idempotency records.
type Store interface {
	// Lookup returns the completed response for key, or nil when there is none.
	Lookup(ctx context.Context, key Key) (*Response, error)
	// Begin reserves key in a new transaction. It returns ErrAlreadyStarted
	// when the key is reserved or completed by someone else.
	Begin(ctx context.Context, key Key) (Reservation, error)
	// Unkeyed opens a plain transaction for a request without a key.
	Unkeyed(ctx context.Context) (Reservation, error)
	// Prune deletes completed records created before olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Reservation is an open transaction owning a key. Exactly one of Complete or
// Abort must be called.
type Reservation interface {
	Tx() pgx.Tx
	// Complete saves resp against the key and commits.
	Complete(ctx context.Context, resp *Response) error
	// Abort rolls back, releasing the key.
	Abort(ctx context.Context) error
}
