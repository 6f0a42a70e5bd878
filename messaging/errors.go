package messaging

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var (
	// ErrValidation is matched by every ValidationError.
	ErrValidation = errors.New("messaging: validation failed")
	// ErrWildcardKey is returned when a command key contains "*" or "#".
	ErrWildcardKey = errors.New("messaging: command key must not contain wildcards")
	// ErrDuplicateCallback is returned by registries that reject a second handler for a pattern.
	ErrDuplicateCallback = errors.New("messaging: callback already registered for pattern")
	// ErrQueueInUse is returned when a queue is already consumed by another listener.
	ErrQueueInUse = errors.New("messaging: queue already has a listener")
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("messaging: command timed out")
	// ErrRemote is matched by every RemoteError.
	ErrRemote = errors.New("messaging: remote handler failed")
	// ErrPublisherClosed is returned for calls on, or in flight during, a closed CommandPublisher.
	ErrPublisherClosed = errors.New("messaging: command publisher closed")
	// ErrRegistryClosed is returned for registrations on a closed registry or listener.
	ErrRegistryClosed = errors.New("messaging: registry closed")
)

// ValidationError reports a bad argument detected before any broker interaction.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %s: %v", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func invalidErr(field, reason string, err error) error {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

// TimeoutError is returned by CommandPublisher when no reply arrived in time.
type TimeoutError struct {
	CorrelationID string
	Queue         string
	Key           string
	Timeout       time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s on queue %s (key %s) timed out after %v",
		e.CorrelationID, e.Queue, e.Key, e.Timeout)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// RemoteError describes a failure raised by a command handler in another process.
// It travels as the payload of a reply with IsError set and is rebuilt on the caller side.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Queue   string `json:"queue,omitempty"`
	Key     string `json:"key,omitempty"`
}

// NewRemoteError captures err as data. The stack is recorded when withStack is set.
func NewRemoteError(err error, withStack bool) *RemoteError {
	re := &RemoteError{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if withStack {
		re.Stack = string(debug.Stack())
	}
	return re
}

func (e *RemoteError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("remote error from %s/%s (%s): %s", e.Queue, e.Key, e.Type, e.Message)
	}
	return fmt.Sprintf("remote error (%s): %s", e.Type, e.Message)
}

// Is matches ErrRemote.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

// panicError wraps a recovered handler panic.
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.value)
}
