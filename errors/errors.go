// Package errors provides the error taxonomy for the friends-connect
// service. It defines sentinel errors for the expected connection
// lifecycle failures, structured errors for invalid requests and storage
// faults, and helpers for consistent error wrapping and classification
// across packages.
package errors

import (
	"errors"
	"fmt"
)

// Standard error variables for expected lifecycle conditions
var (
	// ErrNotFound indicates the requested connection or request does not exist
	ErrNotFound = errors.New("connection not found")

	// ErrAlreadyExists indicates a record with the same ID is already stored
	ErrAlreadyExists = errors.New("connection already exists")

	// ErrExpired indicates a pending connection or request outlived its TTL
	ErrExpired = errors.New("connection expired")

	// ErrRejected indicates the connection was rejected by the recipient
	ErrRejected = errors.New("connection rejected")
)

// InvalidRequestError indicates the caller supplied input that violates a
// structural or state invariant. The reason is safe to surface to clients.
type InvalidRequestError struct {
	Reason string
}

// Error implements the error interface
func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid connection request: %s", e.Reason)
}

// InvalidRequest creates an InvalidRequestError with the given reason
func InvalidRequest(reason string) error {
	return &InvalidRequestError{Reason: reason}
}

// InvalidRequestf creates an InvalidRequestError with a formatted reason
func InvalidRequestf(format string, args ...any) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

// StorageError indicates an internal storage fault. These surface as 5xx
// at the transport boundary, never as caller mistakes.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage error: %s", e.Op)
	}
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Storage wraps err as a storage fault for the given operation
func Storage(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is an already-exists condition
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsExpired reports whether err is an expiry condition
func IsExpired(err error) bool {
	return errors.Is(err, ErrExpired)
}

// IsInvalid reports whether err stems from invalid caller input.
// Expired and rejected records are also caller-recoverable conditions.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ire *InvalidRequestError
	if errors.As(err, &ire) {
		return true
	}
	return errors.Is(err, ErrExpired) || errors.Is(err, ErrRejected)
}

// IsStorage reports whether err is an internal storage fault
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Reason extracts the client-safe reason from an invalid request error,
// or returns the empty string for other errors.
func Reason(err error) string {
	var ire *InvalidRequestError
	if errors.As(err, &ire) {
		return ire.Reason
	}
	return ""
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}
