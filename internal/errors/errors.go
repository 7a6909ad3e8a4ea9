// Package errors provides the coded application error used across the
// approvals service. Every error returned to a caller carries a Code so the
// transport layers can map it to an HTTP status or gRPC code without string
// matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an application error.
type Code string

// Generic error codes.
const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInternal     Code = "INTERNAL"
)

// Approval engine error codes.
const (
	ErrCodeNoApplicableWorkflow   Code = "NO_APPLICABLE_WORKFLOW"
	ErrCodeUnauthorizedApprover   Code = "UNAUTHORIZED_APPROVER"
	ErrCodeDuplicateDecision      Code = "DUPLICATE_DECISION"
	ErrCodeStaleDecision          Code = "STALE_DECISION"
	ErrCodeBlockedStage           Code = "BLOCKED_STAGE"
	ErrCodeAmbiguousWorkflowMatch Code = "AMBIGUOUS_WORKFLOW_MATCH"
)

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrNotFound               = &AppError{Code: ErrCodeNotFound}
	ErrInvalidInput           = &AppError{Code: ErrCodeInvalidInput}
	ErrConflict               = &AppError{Code: ErrCodeConflict}
	ErrNoApplicableWorkflow   = &AppError{Code: ErrCodeNoApplicableWorkflow}
	ErrUnauthorizedApprover   = &AppError{Code: ErrCodeUnauthorizedApprover}
	ErrDuplicateDecision      = &AppError{Code: ErrCodeDuplicateDecision}
	ErrStaleDecision          = &AppError{Code: ErrCodeStaleDecision}
	ErrBlockedStage           = &AppError{Code: ErrCodeBlockedStage}
	ErrAmbiguousWorkflowMatch = &AppError{Code: ErrCodeAmbiguousWorkflowMatch}
)

// AppError is an error with a machine readable code.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

func (e *AppError) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error { return e.Err }

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates an AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &AppError{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *AppError {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput reports a bad field value.
func InvalidInput(field, message string) *AppError {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf returns the code of the first AppError in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is is errors.Is re-exported so callers only import this package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is errors.As re-exported so callers only import this package.
func As(err error, target any) bool { return stderrors.As(err, target) }
