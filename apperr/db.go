package apperr

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ConstraintAssignmentJob is the unique constraint guarding one assignment per job.
const ConstraintAssignmentJob = "assignments_job_id_key"

// ConstraintSubmittedInvoice is the partial unique index allowing one submitted invoice per job.
const ConstraintSubmittedInvoice = "invoices_one_submitted_per_job"

// ConstraintOpenDispute is the partial unique index allowing one open dispute per job.
const ConstraintOpenDispute = "disputes_one_open_per_job"

// MapDBError maps pgx and PostgreSQL errors to typed errors. Errors that are
// already typed pass through unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Code: CodeNetworkFailure, Message: "storage request did not complete; retry", Cause: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Code: CodeNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return &Error{Code: CodeInternal, Message: "internal error", Cause: err}
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case ConstraintAssignmentJob:
			return &Error{Code: CodeAssignmentConflict, Message: "job already has an assignment", Cause: pgErr}
		case ConstraintSubmittedInvoice:
			return &Error{Code: CodeInvalidTransition, Message: "job already has a submitted invoice", Cause: pgErr}
		case ConstraintOpenDispute:
			return &Error{Code: CodeInvalidTransition, Message: "job already has an open dispute", Cause: pgErr}
		}
		return &Error{Code: CodeValidation, Message: "value already exists", Field: pgErr.ColumnName, Cause: pgErr}
	case pgerrcode.ForeignKeyViolation:
		return &Error{Code: CodeNotFound, Message: "referenced resource not found", Cause: pgErr}
	case pgerrcode.CheckViolation, pgerrcode.NotNullViolation, pgerrcode.InvalidTextRepresentation:
		return &Error{Code: CodeValidation, Message: "invalid value", Field: pgErr.ColumnName, Cause: pgErr}
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.AdminShutdown:
		return &Error{Code: CodeNetworkFailure, Message: "storage contention; retry", Cause: pgErr}
	default:
		return &Error{Code: CodeInternal, Message: "internal error", Cause: pgErr}
	}
}

// IsUniqueViolation reports whether err is a unique violation on the named constraint.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
