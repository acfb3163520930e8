package synth

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind identifies a class of synthesis failure.
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindModelMissing   ErrorKind = "modelMissing"
	KindModelCorrupted ErrorKind = "modelCorrupted"
	KindOutOfMemory    ErrorKind = "outOfMemory"
	KindInference      ErrorKind = "inferenceFailed"
	KindCancelled      ErrorKind = "cancelled"
	KindRuntimeCrash   ErrorKind = "runtimeCrash"
	KindInvalidInput   ErrorKind = "invalidInput"
	KindFileWrite      ErrorKind = "fileWriteError"
	KindBusy           ErrorKind = "busy"
	KindTimeout        ErrorKind = "timeout"
	KindUnknown        ErrorKind = "unknown"
)

// Error is a typed synthesis failure with an optional remedial action.
type Error struct {
	Kind    ErrorKind
	Stage   Stage
	Message string
	Remedy  string
	Cause   error
}

// NewError creates a new synthesis error. The remedy defaults to the
// kind's standard suggestion.
func NewError(kind ErrorKind, stage Stage, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Remedy:  DefaultRemedy(kind),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRemedy replaces the suggested remedial action.
func (e *Error) WithRemedy(remedy string) *Error {
	e.Remedy = remedy
	return e
}

// IsRetryable returns true if the scheduler may attempt the request again.
func (e *Error) IsRetryable() bool {
	switch e.Kind {
	case KindOutOfMemory, KindRuntimeCrash, KindTimeout, KindBusy:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error needs user action before any retry can succeed.
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case KindModelMissing, KindModelCorrupted, KindInvalidInput:
		return true
	default:
		return false
	}
}

// UserMessage returns a human readable reason followed by the remedy.
func (e *Error) UserMessage() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Remedy == "" {
		return msg
	}
	return msg + " (" + e.Remedy + ")"
}

// DefaultRemedy returns the standard remedial action for a kind.
func DefaultRemedy(kind ErrorKind) string {
	switch kind {
	case KindModelMissing:
		return "download required"
	case KindModelCorrupted:
		return "re-download the voice model"
	case KindOutOfMemory:
		return "free memory or switch to a smaller voice"
	case KindRuntimeCrash:
		return "restart playback"
	case KindInvalidInput:
		return "check the segment text and rate"
	case KindFileWrite:
		return "free disk space"
	case KindBusy, KindTimeout:
		return "try again shortly"
	case KindInference:
		return "switch voice"
	default:
		return ""
	}
}

// KindOf extracts the error kind of err. Context cancellation maps to
// cancelled and deadline expiry to timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindUnknown
	}
}

// IsCancelled reports whether err represents a cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
