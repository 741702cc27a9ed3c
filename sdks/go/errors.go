package policyengine

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrUnreachable is returned when the policy-engine server cannot be
	// contacted.
	ErrUnreachable = errors.New("policy engine unreachable")
)

// APIError is a request the server answered with a failure envelope or a
// non-JSON error body.
type APIError struct {
	// Code is the machine-readable error code (STRUCTURAL_ERROR,
	// EXECUTION_CONTEXT_ERROR, ...) or HTTP_<status> when the body carried
	// no envelope.
	Code string
	// Message is the human-readable error description.
	Message string
	// Details carries structured error context when the server provided it.
	Details map[string]any
	// HTTPStatus is the response status code.
	HTTPStatus int
}

// Error returns the error message.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("policy engine [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("policy engine [%s]", e.Code)
}

// UnreachableError is returned when the server cannot be contacted at the
// transport level (DNS, connection refused, TLS, timeout).
type UnreachableError struct {
	// Addr is the configured server address.
	Addr string
	// Cause is the underlying transport error.
	Cause error
}

// Error returns a human-readable description of the failure.
func (e *UnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("policy engine at %s unreachable: %v", e.Addr, e.Cause)
	}
	return fmt.Sprintf("policy engine at %s unreachable", e.Addr)
}

// Unwrap returns the underlying transport error.
func (e *UnreachableError) Unwrap() error {
	return e.Cause
}

// Is reports whether this error matches the target error.
// It supports errors.Is(err, ErrUnreachable).
func (e *UnreachableError) Is(target error) bool {
	return target == ErrUnreachable
}
