// Package errors defines the typed error kinds returned by the approval
// engine. Every operation surfaces one of these codes so callers can tell
// "forbidden" from "not found" from "needs retry".
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code identifies the kind of failure.
type Code string

const (
	ErrCodeNotFound               Code = "NOT_FOUND"
	ErrCodeDuplicateRequest       Code = "DUPLICATE_REQUEST"
	ErrCodeUnknownWorkflow        Code = "UNKNOWN_WORKFLOW"
	ErrCodeInvalidState           Code = "INVALID_STATE"
	ErrCodeUnauthorized           Code = "UNAUTHORIZED"
	ErrCodeAmbiguousDelegation    Code = "AMBIGUOUS_DELEGATION"
	ErrCodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	ErrCodeInvalidInput           Code = "INVALID_INPUT"
	ErrCodeConflict               Code = "CONFLICT"
	ErrCodeInternal               Code = "INTERNAL"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %s not found", resource, id)}
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Field: field}
}

// Unauthorized reports a role or visibility mismatch.
func Unauthorized(message string) *Error {
	return &Error{Code: ErrCodeUnauthorized, Message: message}
}

// InvalidState reports an operation on a terminal request or a malformed
// chain position.
func InvalidState(message string) *Error {
	return &Error{Code: ErrCodeInvalidState, Message: message}
}

// ConcurrentModification reports a lost optimistic-concurrency race.
func ConcurrentModification(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeConcurrentModification,
		Message: fmt.Sprintf("%s %s was modified concurrently", resource, id),
	}
}

// CodeOf returns the code carried by err, or ErrCodeInternal for foreign
// errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the calling layer should retry automatically.
// Only lost optimistic-concurrency races qualify.
func Retryable(err error) bool {
	return Is(err, ErrCodeConcurrentModification)
}

// HTTPStatus maps an error to its HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound, ErrCodeUnknownWorkflow:
		return http.StatusNotFound
	case ErrCodeDuplicateRequest, ErrCodeConflict, ErrCodeConcurrentModification, ErrCodeAmbiguousDelegation:
		return http.StatusConflict
	case ErrCodeInvalidState:
		return http.StatusUnprocessableEntity
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to its gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case "":
		return codes.OK
	case ErrCodeNotFound, ErrCodeUnknownWorkflow:
		return codes.NotFound
	case ErrCodeDuplicateRequest:
		return codes.AlreadyExists
	case ErrCodeInvalidState, ErrCodeConflict, ErrCodeAmbiguousDelegation:
		return codes.FailedPrecondition
	case ErrCodeConcurrentModification:
		return codes.Aborted
	case ErrCodeUnauthorized:
		return codes.PermissionDenied
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// FromGRPC rebuilds a typed error from a gRPC status code and message.
func FromGRPC(code codes.Code, message string) *Error {
	switch code {
	case codes.NotFound:
		return New(ErrCodeNotFound, message)
	case codes.AlreadyExists:
		return New(ErrCodeDuplicateRequest, message)
	case codes.FailedPrecondition:
		return New(ErrCodeInvalidState, message)
	case codes.Aborted:
		return New(ErrCodeConcurrentModification, message)
	case codes.PermissionDenied:
		return New(ErrCodeUnauthorized, message)
	case codes.InvalidArgument:
		return New(ErrCodeInvalidInput, message)
	default:
		return New(ErrCodeInternal, message)
	}
}
