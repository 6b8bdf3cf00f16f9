// Package utils provides shared utility helpers used across the module:
// sentinel error kinds and environment-variable lookup helpers.
package utils

import (
	"errors"
	"fmt"
)

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Sentinel error kinds shared by the backend, transport, and server layers.
// Concrete failures wrap one of these with errors.Is-compatible chains so
// callers can branch on kind without string matching.
var (
	// ErrNotFound means the key is absent where presence was required.
	ErrNotFound = errors.New("rdb: not found")
	// ErrBadWireFormat means an envelope, JSON body, or bulk form field was
	// malformed.
	ErrBadWireFormat = errors.New("rdb: bad wire format")
	// ErrBackendUnavailable means open failed or the underlying store faulted.
	ErrBackendUnavailable = errors.New("rdb: backend unavailable")
	// ErrNotImplemented means the backend does not support the requested
	// capability (e.g. iteration).
	ErrNotImplemented = errors.New("rdb: not implemented")
	// ErrInvalidKey means the key is not a valid non-empty ASCII byte string.
	ErrInvalidKey = errors.New("rdb: invalid key")
)

// TransportError reports an HTTP response outside {200, 404-on-GET}. It
// carries the status code and the server's reason so callers can log or
// branch on both without re-parsing the response.
type TransportError struct {
	Status int
	Reason string
	Op     string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rdb: transport error: %s: status %d: %s", e.Op, e.Status, e.Reason)
}

func (e *TransportError) Unwrap() error { return errNotFoundIf(e.Status) }

func errNotFoundIf(status int) error {
	if status == 404 {
		return ErrNotFound
	}
	return nil
}

// NewTransportError builds a TransportError for operation op.
func NewTransportError(op string, status int, reason string) error {
	return &TransportError{Status: status, Reason: reason, Op: op}
}
