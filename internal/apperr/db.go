package apperr

import (
	"context"
	"errors"
	"regexp"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// reKeyField extracts the column list from "Key (col)=(value) already exists."
var reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)

// MapDBError maps database errors to AppError instances:
//   - context deadline/cancel -> timeout/canceled
//   - pgx.ErrNoRows -> not_found
//   - unique violation, lock_not_available -> conflict
//   - check, not-null and foreign-key violations -> validation
//   - connection exceptions, admin shutdown, pool closed -> unavailable
//
// Errors that are not recognised database errors are returned as-is.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{Code: CodeTimeout, Message: "request timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{Code: CodeCanceled, Message: "request was canceled", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: CodeNotFound, Message: "resource not found", Cause: err}
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return &AppError{Code: CodeInternal, Message: "transaction already closed", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return &AppError{Code: CodeUnavailable, Message: "database unavailable", Cause: err}
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		field := pgErr.ColumnName
		if field == "" && pgErr.Detail != "" {
			if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
				field = m[1]
			}
		}
		return &AppError{Code: CodeConflict, Message: "value already exists", Field: field, Cause: pgErr}
	case pgErr.Code == pgerrcode.LockNotAvailable:
		return &AppError{Code: CodeConflict, Message: "resource is locked by another request", Cause: pgErr}
	case pgErr.Code == pgerrcode.CheckViolation,
		pgErr.Code == pgerrcode.NotNullViolation,
		pgErr.Code == pgerrcode.ForeignKeyViolation:
		return &AppError{Code: CodeValidation, Message: "invalid data", Field: pgErr.ColumnName, Cause: pgErr}
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CrashShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow,
		pgErr.Code == pgerrcode.TooManyConnections:
		return &AppError{Code: CodeUnavailable, Message: "database unavailable", Cause: pgErr}
	case pgErr.Code == pgerrcode.QueryCanceled:
		return &AppError{Code: CodeTimeout, Message: "query canceled", Cause: pgErr}
	default:
		return &AppError{Code: CodeInternal, Message: "a database error occurred", Cause: pgErr}
	}
}

// IsLockNotAvailable reports whether err is SQLSTATE 55P03.
func IsLockNotAvailable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable
}
