package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/harbor_mail/internal/apperr"
)

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	lookupSQL = `
		SELECT response_status_code, response_header_names, response_header_values, response_body, created_at
		FROM harbormail.idempotency
		WHERE user_id = $1 AND idempotency_key = $2 AND response_status_code IS NOT NULL`

	reserveSQL = `
		INSERT INTO harbormail.idempotency (user_id, idempotency_key, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT DO NOTHING
		RETURNING created_at`

	saveSQL = `
		UPDATE harbormail.idempotency SET
			response_status_code = $3,
			response_header_names = $4,
			response_header_values = $5,
			response_body = $6
		WHERE user_id = $1 AND idempotency_key = $2 AND response_status_code IS NULL`

	pruneSQL = `
		DELETE FROM harbormail.idempotency
		WHERE response_status_code IS NOT NULL AND created_at < $1`
)

// PostgresStore keeps idempotency records in harbormail.idempotency.
type PostgresStore struct {
	db          DB
	lockTimeout time.Duration
}

// NewPostgresStore creates a store. lockTimeout bounds how long Begin waits on
// a concurrent reservation of the same key before reporting ErrAlreadyStarted.
func NewPostgresStore(db DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresStore) Lookup(ctx context.Context, key Key) (*Response, error) {
	var (
		status  int16
		names   []string
		values  [][]byte
		body    []byte
		created time.Time
	)
	err := s.db.QueryRow(ctx, lookupSQL, key.UserID, key.Value).Scan(&status, &names, &values, &body, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("lookup idempotency key: %w", err))
	}
	if len(names) != len(values) {
		return nil, fmt.Errorf("corrupt idempotency record %s: %d header names, %d values", key, len(names), len(values))
	}

	resp := &Response{StatusCode: int(status), Body: body, CreatedAt: created}
	for i := range names {
		resp.Headers = append(resp.Headers, HeaderPair{Name: names[i], Value: values[i]})
	}
	return resp, nil
}

func (s *PostgresStore) Begin(ctx context.Context, key Key) (Reservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("begin reservation: %w", err))
	}

	if s.lockTimeout > 0 {
		// SET LOCAL does not take bind parameters; set_config with is_local=true is equivalent.
		ms := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10) + "ms"
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			_ = tx.Rollback(ctx)
			return nil, apperr.MapDBError(fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	// A conflicting row yields no RETURNING row.
	var created time.Time
	err = tx.QueryRow(ctx, reserveSQL, key.UserID, key.Value).Scan(&created)
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) || apperr.IsLockNotAvailable(err) {
			return nil, ErrAlreadyStarted
		}
		return nil, apperr.MapDBError(fmt.Errorf("reserve idempotency key: %w", err))
	}

	return &pgReservation{tx: tx, key: key, createdAt: created}, nil
}

func (s *PostgresStore) Unkeyed(ctx context.Context) (Reservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, apperr.MapDBError(fmt.Errorf("begin transaction: %w", err))
	}
	return &pgReservation{tx: tx}, nil
}

func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, pruneSQL, olderThan)
	if err != nil {
		return 0, apperr.MapDBError(fmt.Errorf("prune idempotency records: %w", err))
	}
	return tag.RowsAffected(), nil
}

type pgReservation struct {
	tx        pgx.Tx
	key       Key
	createdAt time.Time
}

func (r *pgReservation) Tx() pgx.Tx { return r.tx }

// Complete saves resp under the key and commits. It stamps resp.CreatedAt
// with the reservation time.
func (r *pgReservation) Complete(ctx context.Context, resp *Response) error {
	if !r.key.IsZero() {
		if resp == nil {
			_ = r.tx.Rollback(ctx)
			return fmt.Errorf("complete %s: nil response", r.key)
		}
		resp.CreatedAt = r.createdAt
		tag, err := r.tx.Exec(ctx, saveSQL,
			r.key.UserID, r.key.Value,
			int16(resp.StatusCode), resp.HeaderNames(), resp.HeaderValues(), resp.Body,
		)
		if err != nil {
			_ = r.tx.Rollback(ctx)
			return apperr.MapDBError(fmt.Errorf("save idempotent response: %w", err))
		}
		if tag.RowsAffected() != 1 {
			_ = r.tx.Rollback(ctx)
			return fmt.Errorf("save idempotent response %s: reservation row missing", r.key)
		}
	}
	if err := r.tx.Commit(ctx); err != nil {
		return apperr.MapDBError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (r *pgReservation) Abort(ctx context.Context) error {
	err := r.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
