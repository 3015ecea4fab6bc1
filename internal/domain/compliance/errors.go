package compliance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionConflict is returned by SessionRepository compare-and-set
	// operations when the stored status no longer allows the transition.
	ErrSessionConflict = errors.New("auto-fix session state changed concurrently")

	// ErrAlreadyFinished is returned by guarded scan and check updates when
	// the row exists but already reached its terminal status, e.g. after the
	// stale-scan sweeper failed it.
	ErrAlreadyFinished = errors.New("already finished")
)

// ValidationError reports bad caller input. No external call has been made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConnectionError reports a failure to reach or configure an external target.
type ConnectionError struct {
	Target string // "sql" | "auth"
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PrivilegeError is the anticipated failure when the target role cannot
// perform an operation that needs elevated rights.
type PrivilegeError struct {
	Required string
	Current  string
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("insufficient privileges: %s required, connected as %s", e.Required, e.Current)
}

// SessionTerminalError rejects a remediation attempt on a finished session.
type SessionTerminalError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionTerminalError) Error() string {
	return fmt.Sprintf("This check already has a %s auto-fix session. Create a new check to retry.", e.Status)
}
