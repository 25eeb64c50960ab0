// Package errs defines the error taxonomy shared by the Loom runtime.
//
// Every failure surfaced to a flow author carries a Kind; the engine uses the
// kind to decide retry eligibility and how to report the failure in step
// records and catch-handler context.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindTemplate    Kind = "TemplateError"
	KindUnknownTool Kind = "UnknownTool"
	KindAdapter     Kind = "AdapterError"
	KindTimeout     Kind = "TimeoutError"
	KindStorage     Kind = "StorageError"
	KindCancelled   Kind = "Cancelled"
)

// Error is the structured error type used across the runtime.
type Error struct {
	Kind    Kind
	Message string
	// Status carries the HTTP status code for adapter failures, 0 otherwise.
	Status int
	// Body carries the raw response body for adapter failures.
	Body string
	// Retryable marks failures the engine's retry policy may re-attempt.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. A nil err yields a plain error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a ValidationError.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// Template creates a TemplateError.
func Template(format string, args ...any) *Error {
	return New(KindTemplate, format, args...)
}

// UnknownTool creates an UnknownTool error for the given tool id.
func UnknownTool(tool string) *Error {
	return New(KindUnknownTool, "no adapter found for tool %q", tool)
}

// Adapter creates an AdapterError. Retryability is decided by the caller,
// typically via WithStatus.
func Adapter(format string, args ...any) *Error {
	return New(KindAdapter, format, args...)
}

// Timeout creates a TimeoutError.
func Timeout(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Storage creates a StorageError. Storage failures are retried with short
// backoff by callers, so they are marked retryable.
func Storage(err error, format string, args ...any) *Error {
	e := Wrap(KindStorage, err, format, args...)
	e.Retryable = true
	return e
}

// Cancelled creates a Cancelled error.
func Cancelled(format string, args ...any) *Error {
	return New(KindCancelled, format, args...)
}

// WithStatus attaches an HTTP status and body to an adapter error and derives
// retryability: 5xx is retryable, 4xx is terminal.
func (e *Error) WithStatus(status int, body string) *Error {
	e.Status = status
	e.Body = body
	e.Retryable = status >= 500
	return e
}

// MarkRetryable flags the error as retryable.
func (e *Error) MarkRetryable() *Error {
	e.Retryable = true
	return e
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the engine's retry policy may re-attempt err.
// Network-level failures without a classified kind are treated as retryable;
// validation, template, and unknown-tool failures never are.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	// Unclassified errors come from transports below the adapter layer.
	return true
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}
