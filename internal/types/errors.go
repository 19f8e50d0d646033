package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type
type ErrorCode string

const (
	// Validation errors
	ErrInvalidAmount    ErrorCode = "INVALID_AMOUNT"
	ErrInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrSelfTransfer     ErrorCode = "SELF_TRANSFER"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrNotFound         ErrorCode = "NOT_FOUND"

	// State errors
	ErrInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"
	ErrAlreadySettled         ErrorCode = "ALREADY_SETTLED"
	ErrDuplicateDispute       ErrorCode = "DUPLICATE_DISPUTE"

	// Funds errors
	ErrInsufficientFunds       ErrorCode = "INSUFFICIENT_FUNDS"
	ErrInsufficientFrozenFunds ErrorCode = "INSUFFICIENT_FROZEN_FUNDS"

	// Concurrency and integrity
	ErrConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
	ErrIntegrityFault      ErrorCode = "INTEGRITY_FAULT"

	// System errors
	ErrDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorKind groups error codes by how a caller should react to them
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindState      ErrorKind = "state"
	KindFunds      ErrorKind = "funds"
	KindConflict   ErrorKind = "conflict"
	KindIntegrity  ErrorKind = "integrity"
	KindSystem     ErrorKind = "system"
)

// Kind returns the category an error code belongs to
func (c ErrorCode) Kind() ErrorKind {
	switch c {
	case ErrInvalidAmount, ErrInvalidArgument, ErrSelfTransfer, ErrPermissionDenied, ErrNotFound:
		return KindValidation
	case ErrInvalidStateTransition, ErrAlreadySettled, ErrDuplicateDispute:
		return KindState
	case ErrInsufficientFunds, ErrInsufficientFrozenFunds:
		return KindFunds
	case ErrConcurrencyConflict:
		return KindConflict
	case ErrIntegrityFault:
		return KindIntegrity
	default:
		return KindSystem
	}
}

// Retryable reports whether the caller may retry the same request unchanged
func (c ErrorCode) Retryable() bool {
	return c == ErrConcurrencyConflict
}

// Error represents a ledger or escrow error
type Error struct {
	Code    ErrorCode
	Message string
	Err     error // Underlying error, if any
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Errorf creates a new Error with a formatted message
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError wraps an existing error in an Error
func WrapError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is an Error anywhere in its chain and has a specific code
func Is(err error, code ErrorCode) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	return e.Code == code
}

// CodeOf returns the code of the first Error in the chain, or ErrInternalError
func CodeOf(err error) ErrorCode {
	var e *Error
	if !As(err, &e) {
		return ErrInternalError
	}
	return e.Code
}

// As finds the first Error in err's chain
func As(err error, target **Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.As(err, target)
}
