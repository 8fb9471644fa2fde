package errors

import (
	"fmt"
)

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ConfigurationError is returned when a transfer can't be set up at all: the
// source or destination is unusable, or the rsync executable is missing.
// It is never retried automatically.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (err ConfigurationError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("configuration error: %s: %s", err.Reason, err.Err)
	}
	return fmt.Sprintf("configuration error: %s", err.Reason)
}

func (err ConfigurationError) Unwrap() error {
	return err.Err
}

// NotFoundError means an operation referenced an unknown (session, source)
// pair.
type NotFoundError struct {
	SessionID int64
	Source    string
}

func (err NotFoundError) Error() string {
	if err.Source == "" {
		return fmt.Sprintf("session %d not found", err.SessionID)
	}
	return fmt.Sprintf("no rsync instance for %q in session %d", err.Source, err.SessionID)
}

// DuplicateInstanceError is returned by Register when an instance already
// exists for the key.
type DuplicateInstanceError struct {
	SessionID int64
	Source    string
}

func (err DuplicateInstanceError) Error() string {
	return fmt.Sprintf("rsync instance for %q in session %d already exists",
		err.Source, err.SessionID)
}

// FinalisedError is returned when an operation would resume an instance that
// has already been finalised.
type FinalisedError struct {
	SessionID int64
	Source    string
}

func (err FinalisedError) Error() string {
	return fmt.Sprintf("rsync instance for %q in session %d is finalised",
		err.Source, err.SessionID)
}

// TransientTransferError records a single file that rsync couldn't transfer,
// e.g. because it was still being written or vanished mid-pass.
type TransientTransferError struct {
	Path   string
	Reason string
}

func (err TransientTransferError) Error() string {
	return fmt.Sprintf("transfer of %q skipped: %s", err.Path, err.Reason)
}

// ProcessFailure means the rsync process exited unexpectedly. The instance
// stays broken until it is explicitly restarted.
type ProcessFailure struct {
	ExitCode int
	Stderr   string
}

func (err ProcessFailure) Error() string {
	if err.Stderr == "" {
		return fmt.Sprintf("rsync exited with code %d", err.ExitCode)
	}
	return fmt.Sprintf("rsync exited with code %d: %s", err.ExitCode, err.Stderr)
}

// SessionEndedError is returned when work is added to a session that has
// ended and hasn't been started again.
type SessionEndedError struct {
	SessionID int64
}

func (err SessionEndedError) Error() string {
	return fmt.Sprintf("session %d has ended", err.SessionID)
}

// ValidationError is a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (err ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", err.Field, err.Reason)
}

// DriverConflictError is returned when a client tries to drive multigrid
// discovery for a session that another client is already driving.
type DriverConflictError struct {
	SessionID    int64
	ActiveClient string
}

func (err DriverConflictError) Error() string {
	return fmt.Sprintf("session %d is already driven by client %s",
		err.SessionID, err.ActiveClient)
}

// ClientNotFoundError means an operation referenced a client that isn't
// connected.
type ClientNotFoundError struct {
	ID string
}

func (err ClientNotFoundError) Error() string {
	return fmt.Sprintf("client %s is not connected", err.ID)
}
