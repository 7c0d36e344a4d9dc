// Package errs defines the coded application errors shared by the
// reconciliation components and the boundaries that report them.
package errs

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	CodeUnknown           = "UNKNOWN"
	CodeTransientUpstream = "TRANSIENT_UPSTREAM"
	CodeDataIntegrity     = "DATA_INTEGRITY"
	CodeValidation        = "VALIDATION"
	CodeConflict          = "CONFLICT"
	CodeDatabase          = "DATABASE"
	CodeConfig            = "CONFIG"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// ApplicationError is implemented by every coded error.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// Error is a coded error with an optional cause.
type Error struct {
	code    string
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *Error) Code() string { return e.code }

func (e *Error) Unwrap() error { return e.err }

// Is matches another *Error with the same code, so errors.Is(err, errs.ErrConflict) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.message == "" && other.err == nil && other.code == e.code
}

// Sentinels for errors.Is matching by code.
var (
	ErrTransientUpstream = &Error{code: CodeTransientUpstream}
	ErrDataIntegrity     = &Error{code: CodeDataIntegrity}
	ErrValidation        = &Error{code: CodeValidation}
	ErrConflict          = &Error{code: CodeConflict}
	ErrDatabase          = &Error{code: CodeDatabase}
	ErrConfig            = &Error{code: CodeConfig}
	ErrUnauthorized      = &Error{code: CodeUnauthorized}
)

// New returns a coded error.
func New(code, message string, cause error) error {
	return &Error{code: code, message: message, err: cause}
}

// Code returns the code of the first ApplicationError in err's chain,
// or CodeUnknown if there is none.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return CodeUnknown
}

// NewTransient marks an upstream failure worth retrying.
func NewTransient(message string, cause error) error {
	return New(CodeTransientUpstream, message, cause)
}

// NewDataIntegrity reports a cross-system inconsistency that needs review.
func NewDataIntegrity(message string, cause error) error {
	return New(CodeDataIntegrity, message, cause)
}

func NewValidation(message string, cause error) error {
	return New(CodeValidation, message, cause)
}

func NewConflict(message string, cause error) error {
	return New(CodeConflict, message, cause)
}

func NewDatabase(message string, cause error) error {
	return New(CodeDatabase, message, cause)
}

func NewConfig(message string, cause error) error {
	return New(CodeConfig, message, cause)
}

func NewUnauthorized(message string, cause error) error {
	return New(CodeUnauthorized, message, cause)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientUpstream)
}
