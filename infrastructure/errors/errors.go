// Package errors provides the typed error result used across the world
// server core: every operation that can fail into one of the core's error
// kinds returns a *ServiceError carrying that kind, rather than an opaque
// error or a panic.
package errors

import (
	"errors"
	"fmt"
)

// Kind is one of the core's observable error kinds.
type Kind string

const (
	// KindNotFound: no such entity/component/partition/cache-key.
	KindNotFound Kind = "not-found"
	// KindInvalidState: operation rejected because the entity is dead,
	// partition inactive, session broken.
	KindInvalidState Kind = "invalid-state"
	// KindTimeout: acquire or network operation exceeded its budget.
	KindTimeout Kind = "timeout"
	// KindUnreachable: peer endpoint or replica unreachable.
	KindUnreachable Kind = "unreachable"
	// KindExhausted: pool at max and none available before timeout.
	KindExhausted Kind = "exhausted"
	// KindWouldBlock: cache under stampede control; caller should await
	// the in-flight handle.
	KindWouldBlock Kind = "would-block"
	// KindConflict: write rejected by a constraint.
	KindConflict Kind = "conflict"
	// KindInternal: invariant violation; fatal for the current tick,
	// logged with full context.
	KindInternal Kind = "internal"
)

// ServiceError is a structured error carrying a stable Kind tag, a message,
// and optional structured details for logging.
type ServiceError struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	Err     error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional structured details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError of the given kind.
func New(kind Kind, message string) *ServiceError {
	return &ServiceError{Kind: kind, Message: message}
}

// Wrap wraps an existing error with a ServiceError of the given kind.
func Wrap(kind Kind, message string, err error) *ServiceError {
	return &ServiceError{Kind: kind, Message: message, Err: err}
}

// NotFound builds a not-found error naming the resource and key.
func NotFound(resource, key string) *ServiceError {
	return New(KindNotFound, fmt.Sprintf("%s not found", resource)).
		WithDetails("resource", resource).
		WithDetails("key", key)
}

// InvalidState builds an invalid-state error.
func InvalidState(message string) *ServiceError {
	return New(KindInvalidState, message)
}

// Timeout builds a timeout error naming the operation.
func Timeout(operation string) *ServiceError {
	return New(KindTimeout, "operation timed out").WithDetails("operation", operation)
}

// Unreachable builds an unreachable error naming the endpoint.
func Unreachable(endpoint string, err error) *ServiceError {
	return Wrap(KindUnreachable, "endpoint unreachable", err).WithDetails("endpoint", endpoint)
}

// Exhausted builds an exhausted error naming the resource pool.
func Exhausted(pool string) *ServiceError {
	return New(KindExhausted, "pool exhausted").WithDetails("pool", pool)
}

// WouldBlock builds a would-block error naming the key under stampede control.
func WouldBlock(key string) *ServiceError {
	return New(KindWouldBlock, "load in flight for key").WithDetails("key", key)
}

// Conflict builds a conflict error naming the violated constraint.
func Conflict(message string) *ServiceError {
	return New(KindConflict, message)
}

// Internal builds an internal error wrapping the invariant violation.
func Internal(message string, err error) *ServiceError {
	return Wrap(KindInternal, message, err)
}

// Is reports whether err is a *ServiceError of the given kind.
func Is(err error, kind Kind) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// GetServiceError extracts a *ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// KindOf returns the Kind of err, or KindInternal if err is not a *ServiceError.
func KindOf(err error) Kind {
	if se := GetServiceError(err); se != nil {
		return se.Kind
	}
	return KindInternal
}
