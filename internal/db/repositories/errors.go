// errors.go defines the error taxonomy surfaced by the repositories: validation failures
// detected before any SQL is issued, constraint violations reported by the engine, and
// storage unavailability. Driver errors are wrapped, never replaced, so callers can still
// reach the underlying *pq.Error or *pgconn.PgError with errors.As.
package repositories

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/auditlogs/auditlogs/internal/db/models"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrConstraint         = errors.New("constraint violation")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// ValidationError reports an entry rejected before reaching the database
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audit log: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConstraintViolation reports a foreign-key, check, not-null or uniqueness failure from the engine
type ConstraintViolation struct {
	Constraint string
	Err        error
}

func (e *ConstraintViolation) Error() string {
	if e.Constraint != "" {
		return fmt.Sprintf("constraint %s violated: %v", e.Constraint, e.Err)
	}
	return fmt.Sprintf("constraint violated: %v", e.Err)
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

func (e *ConstraintViolation) Is(target error) bool { return target == ErrConstraint }

// StorageUnavailable reports a connectivity failure between the service and the database
type StorageUnavailable struct {
	Err error
}

func (e *StorageUnavailable) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Err)
}

func (e *StorageUnavailable) Unwrap() error { return e.Err }

func (e *StorageUnavailable) Is(target error) bool { return target == ErrStorageUnavailable }

func validationError(err error) error {
	var fe *models.FieldError
	if errors.As(err, &fe) {
		return &ValidationError{Field: fe.Field, Reason: fe.Reason}
	}
	return &ValidationError{Field: "entry", Reason: err.Error()}
}

// classifyError maps a driver error onto the taxonomy. Errors that fit no category,
// including context cancellation, are returned unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	// context.DeadlineExceeded satisfies net.Error; cancellation belongs to the caller.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code), pqErr.Constraint, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code, pgErr.ConstraintName, err)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return &StorageUnavailable{Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &StorageUnavailable{Err: err}
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &StorageUnavailable{Err: err}
	}

	return err
}

func classifySQLState(code, constraint string, err error) error {
	switch {
	case strings.HasPrefix(code, "23"):
		// integrity_constraint_violation class
		return &ConstraintViolation{Constraint: constraint, Err: err}
	case strings.HasPrefix(code, "08"),
		code == "57P01", code == "57P02", code == "57P03",
		code == "53300":
		// connection_exception, admin/crash shutdown, cannot_connect_now, too_many_connections
		return &StorageUnavailable{Err: err}
	}
	return err
}
