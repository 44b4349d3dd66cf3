package chat

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	// ProviderUnavailable covers network, auth, and timeout failures talking
	// to the model backend.
	ProviderUnavailable Kind = "provider_unavailable"
	// ProtocolViolation marks malformed or inconsistent streamed deltas, such
	// as a tool result with no matching request. Always fatal.
	ProtocolViolation Kind = "protocol_violation"
	// ToolNotFound means the requested tool is not in the active registry.
	ToolNotFound Kind = "tool_not_found"
	// ToolInputInvalid means tool arguments failed schema validation.
	ToolInputInvalid Kind = "tool_input_invalid"
	// ToolExecutionFailed means the tool handler returned an error.
	ToolExecutionFailed Kind = "tool_execution_failed"
	// Cancelled is the clean terminal state for a caller-cancelled run.
	Cancelled Kind = "cancelled"
	// Serialization marks malformed persisted or transmitted structured data.
	Serialization Kind = "serialization"
)

// Error is a tagged orchestration failure. Transient errors are eligible for
// the runtime's bounded retry; everything else surfaces immediately.
type Error struct {
	Kind      Kind   `json:"kind"`
	Message   string `json:"message"`
	Transient bool   `json:"transient,omitempty"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a tagged error.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags an underlying error.
func WrapError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// TransientError creates a tagged error eligible for retry.
func TransientError(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Transient: true, Cause: cause}
}

// AsError extracts the tagged error from an error chain, tagging untagged
// errors as ProviderUnavailable so callers always get a classified failure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return &Error{Kind: ProviderUnavailable, Message: err.Error(), Cause: err}
}

// KindOf reports the failure kind of an error chain, or "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// IsTransient reports whether an error is eligible for the bounded retry
// policy. Only tagged transient errors qualify; tool failures never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Transient
	}
	return false
}
