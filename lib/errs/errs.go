// Package errs provides the error taxonomy shared by the message core.
//
// Callers classify failures with errors.Is against the sentinel values below.
// Error and RemoteError add the component/operation context the sentinels lack.
package errs

import (
	"errors"
	"fmt"
)

// Standard error variables for common conditions
var (
	// Registration errors
	ErrAlreadyRegistered = errors.New("already registered")

	// Lookup errors
	ErrNotFound        = errors.New("not found")
	ErrHandlerNotFound = errors.New("handler not found")
	ErrNotLoaded       = errors.New("module not loaded")

	// Dependency graph errors
	ErrCycleDetected = errors.New("cycle detected")

	// Dispatch errors
	ErrUnsupportedMode = errors.New("unsupported mode")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnspecified     = errors.New("unspecified error")
	ErrTimeout         = errors.New("timeout")
	ErrClosed          = errors.New("closed")
	ErrRequestFailed   = errors.New("request failed")

	// Remote errors
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Error wraps an error with the component and operation that produced it.
type Error struct {
	Component string
	Op        string
	Err       error
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with component and op. It returns nil for a nil err.
func Wrap(err error, component, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Component: component, Op: op, Err: err}
}

// Wrapf annotates err like Wrap and appends a formatted detail to the cause.
func Wrapf(err error, component, op, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Component: component, Op: op, Err: fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)}
}

// RemoteError reports a failed call on a remote object.
// It matches ErrRemoteUnavailable as well as its cause.
type RemoteError struct {
	Object string
	Method string
	Err    error
}

// Error implements the error interface
func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s.%s failed: %v", e.Object, e.Method, e.Err)
}

// Unwrap returns both the remote sentinel and the cause.
func (e *RemoteError) Unwrap() []error {
	return []error{ErrRemoteUnavailable, e.Err}
}

// Remote builds a RemoteError. It returns nil for a nil err.
func Remote(object, method string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Object: object, Method: method, Err: err}
}

// IsRemote reports whether err came from a remote object and returns it.
func IsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
