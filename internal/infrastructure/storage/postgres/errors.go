package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"faktura/internal/core/numerator"
)

// PostgreSQL error codes the sequence store reacts to.
const (
	pgUniqueViolation      = "23505"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgConnectionException  = "08"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

// PgCode returns the SQLSTATE of err, or "" if err is not a server error.
func PgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	return PgCode(err) == pgUniqueViolation
}

// IsRetryable reports whether the transaction that produced err may succeed
// when run again. Constraint and syntax errors are permanent.
func IsRetryable(err error) bool {
	code := PgCode(err)
	switch code {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable,
		pgQueryCanceled, pgAdminShutdown, pgCannotConnectNow:
		return true
	case "":
		// No server answer: the connection failed before or during the query.
		var connErr *pgconn.ConnectError
		return errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err)
	}
	return strings.HasPrefix(code, pgConnectionException)
}

// translate maps driver errors onto numerator store errors, keeping the
// original error in the chain.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	switch PgCode(err) {
	case pgUniqueViolation:
		return fmt.Errorf("%s: %w: %w", op, numerator.ErrCounterExists, err)
	case pgLockNotAvailable:
		return fmt.Errorf("%s: %w: %w", op, numerator.ErrLockTimeout, err)
	}
	if IsRetryable(err) {
		return fmt.Errorf("%s: %w: %w", op, numerator.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
