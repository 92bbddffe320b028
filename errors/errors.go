// Package errors provides classified error handling for the ingestion layer.
//
// Errors are classified as transient (safe to retry), invalid (bad input or
// configuration, retrying cannot help), or fatal (the component must stop and
// wait for operator intervention). Classification drives the retry manager
// and the adapter state machine: only exhausted transient connection failures
// and invalid configuration may move an adapter to its terminal error state.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class represents the handling classification of an error.
type Class int

const (
	// Transient errors are temporary and may be retried.
	Transient Class = iota
	// Invalid errors are caused by bad input or configuration.
	Invalid
	// Fatal errors are unrecoverable and must stop processing.
	Fatal
)

// String returns the string representation of a Class.
func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Invalid:
		return "invalid"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common ingestion conditions.
var (
	// Adapter lifecycle errors
	ErrAlreadyRunning = errors.New("adapter already running")
	ErrNotRunning     = errors.New("adapter not running")
	ErrAdapterFailed  = errors.New("adapter in failed state")
	ErrStreamClosed   = errors.New("data stream closed")

	// Connection errors
	ErrConnectionFailed  = errors.New("connection failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrReconnectExceeded = errors.New("reconnect attempts exhausted")
	ErrPollFailed        = errors.New("poll attempts exhausted")

	// Payload errors
	ErrMalformedPayload = errors.New("malformed payload")
	ErrMissingAssetCode = errors.New("missing asset code")

	// Validation errors
	ErrUnknownSignal    = errors.New("unknown signal")
	ErrSignalRejected   = errors.New("signal rejected")
	ErrMissingSignal    = errors.New("required signal missing")
	ErrUnknownValidator = errors.New("unknown custom validator")

	// Store errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrWriteFailed      = errors.New("store write failed")
	ErrTableMissing     = errors.New("table does not exist")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Retry errors
	ErrRetriesExhausted = errors.New("maximum retry attempts exhausted")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether an error is temporary and worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == Transient
	}

	if errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Unclassified errors from drivers and store clients frequently carry
	// network wording only in the message.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable", "broken pipe"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid reports whether an error is caused by bad input or configuration.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == Invalid
	}

	return errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrMissingAssetCode)
}

// IsFatal reports whether an error must stop the owning component.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == Fatal
	}

	return errors.Is(err, ErrReconnectExceeded) ||
		errors.Is(err, ErrRetriesExhausted)
}

// Classify returns the error class, defaulting to Transient for unknown
// errors so callers err on the side of retrying.
func Classify(err error) Class {
	switch {
	case IsFatal(err):
		return Fatal
	case IsInvalid(err):
		return Invalid
	default:
		return Transient
	}
}

// Wrap creates a standardized error with origin context following the
// pattern "component.operation: action failed: %w".
func Wrap(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, operation, action, err)
}

// WrapTransient wraps an error as transient with origin context.
func WrapTransient(err error, component, operation, action string) error {
	return classify(Transient, err, component, operation, action)
}

// WrapInvalid wraps an error as invalid with origin context.
func WrapInvalid(err error, component, operation, action string) error {
	return classify(Invalid, err, component, operation, action)
}

// WrapFatal wraps an error as fatal with origin context.
func WrapFatal(err error, component, operation, action string) error {
	return classify(Fatal, err, component, operation, action)
}

func classify(class Class, err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, operation, action),
		Component: component,
		Operation: operation,
	}
}

// New creates a new unclassified error. Provided so callers do not need to
// import both this package and the standard library errors package.
func New(text string) error {
	return errors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
