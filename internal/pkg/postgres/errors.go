package postgres

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/bissquit/sterility-garden/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes treated specially.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeAdminShutdown        = "57P01"
	codeTooManyConnections   = "53300"
	codeUniqueViolation      = "23505"
	codeInvalidTextRepr      = "22P02"
)

// Wrap prefixes err with op and marks connection-like failures with
// domain.ErrTransient so callers can retry them.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err is worth retrying: connection
// exceptions (class 08), serialization failures, deadlocks, shutdowns,
// connection exhaustion, timeouts and errors pgx marks safe to retry.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeAdminShutdown, codeTooManyConnections:
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsUniqueViolation reports a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsInvalidInput reports a value Postgres could not parse, such as a malformed UUID.
func IsInvalidInput(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeInvalidTextRepr
}
