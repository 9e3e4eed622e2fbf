package mission

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a mission failure
type ErrorCode string

const (
	// ErrEmptyPlan means translation produced no plan items.
	ErrEmptyPlan ErrorCode = "empty_plan"

	// ErrAutoReturnRejected means the vehicle refused the auto-return directive.
	ErrAutoReturnRejected ErrorCode = "auto_return_rejected"

	// ErrUploadRejected means the vehicle refused the plan.
	ErrUploadRejected ErrorCode = "upload_rejected"

	// ErrStartRejected means the vehicle refused to start the mission.
	ErrStartRejected ErrorCode = "start_rejected"

	// ErrProgressStreamEnded means progress reporting stopped before completion.
	ErrProgressStreamEnded ErrorCode = "progress_stream_ended"

	// ErrProgressStalled means no progress update arrived within the stall timeout.
	ErrProgressStalled ErrorCode = "progress_stalled"
)

// Error is a mission failure with a code and context.
// Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Kind returns the code, used as the log tag
func (e *Error) Kind() string {
	return string(e.Code)
}

// WithContext adds a key/value to the error context
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewError creates an Error without a cause
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an Error around cause
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}
