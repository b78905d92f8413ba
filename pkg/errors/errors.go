package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches two AppErrors by code so sentinel comparisons survive wrapping.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the error code, or CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var e *AppError
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Fatal reports whether the error must fail the current signing request.
// Accounting errors are handled at the fee-engine boundary and never
// propagate; everything else in the taxonomy does.
func Fatal(err error) bool {
	switch CodeOf(err) {
	case CodeConversionPathNotFound, CodePersistenceFailure:
		return false
	}
	return true
}
