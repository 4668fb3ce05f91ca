// Package pterrors provides the typed application errors used across pointstore.
package pterrors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	// ErrNotFound is returned when a blob, tree, or attribute set is not found
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when trying to register a duplicate resource
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal is returned for internal invariant failures
	ErrInternal = errors.New("internal error")

	// ErrNotImplemented is returned for unimplemented features
	ErrNotImplemented = errors.New("not implemented")

	// ErrIO is returned when a read or write against the cache file fails
	ErrIO = errors.New("i/o failure")

	// ErrFormat is returned when on-disk bytes don't match the expected layout
	ErrFormat = errors.New("malformed on-disk data")

	// ErrInvariant is returned when an internal invariant is violated; callers
	// that observe it should treat the store as corrupted
	ErrInvariant = errors.New("invariant violated")

	// ErrClosed is returned when an operation is attempted on a closed handler
	ErrClosed = errors.New("handler closed")
)

// ErrorCode represents an error code
type ErrorCode string

const (
	// Resource error codes
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"

	// Storage/input error codes, from spec.md error-kind taxonomy
	CodeIO        ErrorCode = "IO"
	CodeFormat    ErrorCode = "FORMAT"
	CodeInput     ErrorCode = "INPUT"
	CodeInvariant ErrorCode = "INVARIANT"
)

// AppError represents an application error with code and context
type AppError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code == CodeNotFound {
		return true
	}

	return errors.Is(err, ErrNotFound)
}

// IsInvariant checks if an error represents a detected invariant violation.
// Callers that see this should not attempt to continue against the same
// handler. The tree, LOD and storage code return such violations as
// errors wrapping ErrInvariant (inside a FORMAT-coded AppError); they do
// not panic or abort the process.
func IsInvariant(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code == CodeInvariant {
		return true
	}

	return errors.Is(err, ErrInvariant)
}

// WrapIO wraps a file read/write failure with the operation that triggered it
func WrapIO(err error, operation string) error {
	if err == nil {
		return nil
	}

	return NewAppError(CodeIO, fmt.Sprintf("i/o operation failed: %s", operation), err)
}

// WrapFormat wraps a malformed-data failure with the field/offset that was rejected
func WrapFormat(err error, context string) error {
	if err == nil {
		return nil
	}

	return NewAppError(CodeFormat, fmt.Sprintf("malformed data: %s", context), err)
}

// WrapInput wraps an input-source failure (reader, registry) with its origin
func WrapInput(err error, source string) error {
	if err == nil {
		return nil
	}

	return NewAppError(CodeInput, fmt.Sprintf("input failed: %s", source), err)
}
