package pterrors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"NotFound", ErrNotFound, "resource not found"},
		{"AlreadyExists", ErrAlreadyExists, "resource already exists"},
		{"InvalidInput", ErrInvalidInput, "invalid input"},
		{"Internal", ErrInternal, "internal error"},
		{"IO", ErrIO, "i/o failure"},
		{"Format", ErrFormat, "malformed on-disk data"},
		{"Invariant", ErrInvariant, "invariant violated"},
		{"Closed", ErrClosed, "handler closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("error message = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAppError(t *testing.T) {
	appErr := NewAppError(CodeNotFound, "blob not found", nil)
	if appErr.Code != CodeNotFound {
		t.Errorf("Code = %v, want %v", appErr.Code, CodeNotFound)
	}
	if appErr.Error() != "NOT_FOUND: blob not found" {
		t.Errorf("Error() = %v", appErr.Error())
	}

	wrapped := errors.New("file closed")
	appErr2 := NewAppError(CodeIO, "write failed", wrapped)
	if appErr2.Unwrap() != wrapped {
		t.Error("Unwrap should return the wrapped error")
	}
	if appErr2.Error() != "IO: write failed: file closed" {
		t.Errorf("Error() = %v", appErr2.Error())
	}
}

func TestWithDetails(t *testing.T) {
	appErr := NewAppError(CodeInvalidInput, "bad offset", nil).WithDetails("offset", 42)
	if appErr.Details["offset"] != 42 {
		t.Errorf("Details[offset] = %v, want 42", appErr.Details["offset"])
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Error("IsNotFound(ErrNotFound) should be true")
	}
	if !IsNotFound(NewAppError(CodeNotFound, "tree not found", nil)) {
		t.Error("IsNotFound should recognize an AppError with CodeNotFound")
	}
	if IsNotFound(ErrIO) {
		t.Error("IsNotFound(ErrIO) should be false")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound(nil) should be false")
	}
}

func TestIsInvariant(t *testing.T) {
	if !IsInvariant(ErrInvariant) {
		t.Error("IsInvariant(ErrInvariant) should be true")
	}
	if !IsInvariant(NewAppError(CodeInvariant, "tree node overflow", nil)) {
		t.Error("IsInvariant should recognize an AppError with CodeInvariant")
	}
	if IsInvariant(ErrNotFound) {
		t.Error("IsInvariant(ErrNotFound) should be false")
	}
}

func TestWrapHelpers(t *testing.T) {
	base := errors.New("disk full")

	if WrapIO(nil, "write") != nil {
		t.Error("WrapIO(nil, ...) should return nil")
	}

	wrapped := WrapIO(base, "write blob")
	var appErr *AppError
	if !errors.As(wrapped, &appErr) {
		t.Fatal("WrapIO should return an *AppError")
	}
	if appErr.Code != CodeIO {
		t.Errorf("Code = %v, want %v", appErr.Code, CodeIO)
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to the original")
	}

	if WrapFormat(nil, "header") != nil {
		t.Error("WrapFormat(nil, ...) should return nil")
	}
	if WrapInput(nil, "reader") != nil {
		t.Error("WrapInput(nil, ...) should return nil")
	}
}
