package farmsync

import (
	"errors"
	"fmt"
)

// Common errors returned by the farmsync client.
var (
	// ErrNotFound is returned when a record is not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidPayload is returned when a payload is not a JSON object.
	ErrInvalidPayload = errors.New("payload must be a JSON object")

	// ErrInvalidChildKind is returned when an unknown child kind is provided.
	ErrInvalidChildKind = errors.New("invalid child kind")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid sync status transition")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNoConnectivity is returned when the remote service is unreachable.
	ErrNoConnectivity = errors.New("remote service unreachable")

	// ErrOffline is returned when network operation is attempted in offline mode.
	ErrOffline = errors.New("operation unavailable in offline mode")
)

// ValidationError is returned when configuration or input validation fails.
// Extractable via errors.As().
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ForeignKeyError is returned when a child references a parent record that does not exist.
type ForeignKeyError struct {
	ParentTempID string
}

func (e *ForeignKeyError) Error() string {
	return fmt.Sprintf("parent record %q does not exist", e.ParentTempID)
}

// ConflictError is returned when a second, different permanent ID would be bound
// to an already synced record. It indicates a remote or local bug.
type ConflictError struct {
	TempID    string
	Existing  string
	Attempted string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("record %s already bound to %s, refusing %s", e.TempID, e.Existing, e.Attempted)
}

// TransportError is returned when a batch submission fails at the network or
// protocol level. The whole cycle is aborted and no local state changes.
// Supports Unwrap().
type TransportError struct {
	Operation  string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transport: %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("transport: %s failed (status %d): %v", e.Operation, e.StatusCode, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Unauthorized reports whether the remote rejected the credentials.
func (e *TransportError) Unauthorized() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// RecordRejectedError is a per-record rejection returned by the remote service.
// It never fails a cycle on its own.
type RecordRejectedError struct {
	TempID  string `json:"temp_id"`
	Message string `json:"message"`
}

func (e *RecordRejectedError) Error() string {
	return fmt.Sprintf("record %s rejected: %s", e.TempID, e.Message)
}
