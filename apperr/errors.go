package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes a workflow error for transport mapping.
type Code string

const (
	// CodeNotFound covers missing rows and every access attempt by a non-participant.
	CodeNotFound Code = "not_found"
	// CodeForbidden is returned to a participant calling an operation reserved for the other role.
	CodeForbidden Code = "forbidden"
	// CodeAssignmentConflict signals that the job already has an assignment.
	CodeAssignmentConflict Code = "assignment_conflict"
	// CodeInvalidTransition signals the current status does not permit the operation.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeValidation indicates malformed or missing input.
	CodeValidation Code = "validation"
	// CodeStaleVersion indicates the caller's expected version no longer matches the row.
	CodeStaleVersion Code = "stale_version"
	// CodeNetworkFailure indicates a collaborator could not be reached.
	CodeNetworkFailure Code = "network_failure"
	// CodeInternal indicates an unexpected failure.
	CodeInternal Code = "internal"
)

// Error is a typed workflow error. Message is safe to show to end users; Cause is not.
type Error struct {
	Code    Code
	Message string
	Field   string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code Code, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Message: msg}
}

// NotFound creates a not_found error.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

// Forbidden creates a forbidden error.
func Forbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, format, args...)
}

// AssignmentConflict creates an assignment_conflict error.
func AssignmentConflict(format string, args ...any) *Error {
	return newError(CodeAssignmentConflict, format, args...)
}

// InvalidTransition creates an invalid_transition error.
func InvalidTransition(format string, args ...any) *Error {
	return newError(CodeInvalidTransition, format, args...)
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

// ValidationField creates a validation error bound to a request field.
func ValidationField(field, message string) *Error {
	return &Error{Code: CodeValidation, Message: message, Field: field}
}

// StaleVersion creates a stale_version error.
func StaleVersion(format string, args ...any) *Error {
	return newError(CodeStaleVersion, format, args...)
}

// NetworkFailure wraps a collaborator transport error.
func NetworkFailure(cause error, format string, args ...any) *Error {
	e := newError(CodeNetworkFailure, format, args...)
	e.Cause = cause
	return e
}

// Wrap attaches a code and user-facing message to an existing error.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

func isCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func IsNotFound(err error) bool           { return isCode(err, CodeNotFound) }
func IsForbidden(err error) bool          { return isCode(err, CodeForbidden) }
func IsAssignmentConflict(err error) bool { return isCode(err, CodeAssignmentConflict) }
func IsInvalidTransition(err error) bool  { return isCode(err, CodeInvalidTransition) }
func IsValidation(err error) bool         { return isCode(err, CodeValidation) }
func IsStaleVersion(err error) bool       { return isCode(err, CodeStaleVersion) }
func IsNetworkFailure(err error) bool     { return isCode(err, CodeNetworkFailure) }

// GetCode returns the code carried by err, or CodeInternal for untyped errors.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// GetField returns the offending field for validation errors.
func GetField(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// PublicMessage returns the message that may be shown to a caller. Untyped errors
// collapse to a generic message so storage text never leaks.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
