package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type for engine operations.
type ErrorCode string

const (
	// ErrCodeTransientStore indicates a retriable storage-layer failure.
	ErrCodeTransientStore ErrorCode = "TRANSIENT_STORE"
	// ErrCodePartialLink indicates one or more cross-layer writes are missing.
	ErrCodePartialLink ErrorCode = "PARTIAL_LINK"
	// ErrCodeSourceUnavailable indicates a retrieval sub-search could not complete.
	ErrCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"
	// ErrCodeHandoffReplay indicates a handoff package was already consumed.
	ErrCodeHandoffReplay ErrorCode = "HANDOFF_REPLAY"
	// ErrCodeHandoffExpired indicates a handoff package is past its expiry.
	ErrCodeHandoffExpired ErrorCode = "HANDOFF_EXPIRED"
	// ErrCodeValidation indicates a malformed event or query.
	ErrCodeValidation ErrorCode = "VALIDATION"
	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
)

// EngineError represents a structured error for engine operations.
type EngineError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *EngineError) GetCode() ErrorCode {
	return e.Code
}

// Retriable reports whether the error should be retried with backoff.
// Data-level validation errors and handoff replay/expiry are never retried.
func (e *EngineError) Retriable() bool {
	switch e.Code {
	case ErrCodeTransientStore, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common error types.

// TransientStore creates a transient storage error.
func TransientStore(msg string, cause error) *EngineError {
	return &EngineError{Code: ErrCodeTransientStore, Message: msg, Cause: cause}
}

// PartialLink creates a partial-link error listing the missing layers.
func PartialLink(msg string, cause error) *EngineError {
	return &EngineError{Code: ErrCodePartialLink, Message: msg, Cause: cause}
}

// SourceUnavailable creates a source unavailable error.
func SourceUnavailable(source string, cause error) *EngineError {
	return &EngineError{
		Code:    ErrCodeSourceUnavailable,
		Message: fmt.Sprintf("retrieval source unavailable: %s", source),
		Cause:   cause,
	}
}

// HandoffReplay creates a handoff replay error.
func HandoffReplay(token string) *EngineError {
	return &EngineError{
		Code:    ErrCodeHandoffReplay,
		Message: fmt.Sprintf("handoff package already consumed: %s", token),
	}
}

// HandoffExpired creates a handoff expired error.
func HandoffExpired(token string) *EngineError {
	return &EngineError{
		Code:    ErrCodeHandoffExpired,
		Message: fmt.Sprintf("handoff package expired: %s", token),
	}
}

// Validation creates a validation error.
func Validation(msg string) *EngineError {
	return &EngineError{Code: ErrCodeValidation, Message: msg}
}

// Timeout creates a timeout error.
func Timeout(msg string, cause error) *EngineError {
	return &EngineError{Code: ErrCodeTimeout, Message: msg, Cause: cause}
}

// ContextCanceled creates a context canceled error.
func ContextCanceled(cause error) *EngineError {
	return &EngineError{Code: ErrCodeContextCanceled, Message: "operation canceled", Cause: cause}
}

// CodeOf returns the engine error code of err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsRetriable reports whether err should be retried with backoff.
// Unclassified errors are treated as transient.
func IsRetriable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retriable()
	}
	return err != nil
}
