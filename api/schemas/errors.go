package schemas

import (
	"errors"
	"fmt"
	"time"
)

// -- Error Taxonomy --

var (
	// ErrTimeout means the page load never completed within the navigation budget.
	ErrTimeout = errors.New("readiness timeout")
	// ErrStaleCapture means a snapshot could not be taken because the page went away
	// mid-capture. It is absorbed by the monitor and only surfaced when repeated.
	ErrStaleCapture = errors.New("stale capture")
	// ErrElementNotFound means a stable key is absent from the latest snapshot.
	ErrElementNotFound = errors.New("element not found")
	// ErrSessionClosed is returned by every operation after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionBroken is returned once the driver connection is lost. Only Close is valid.
	ErrSessionBroken = errors.New("session broken")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid session state")
)

// DriverErrorKind classifies failures at the driver boundary.
type DriverErrorKind string

const (
	DriverCrashed         DriverErrorKind = "crashed"
	DriverDisconnected    DriverErrorKind = "disconnected"
	DriverScriptError     DriverErrorKind = "script-error"
	DriverStaleElement    DriverErrorKind = "stale-element"
	DriverNotInteractable DriverErrorKind = "not-interactable"
)

// DriverError is a failure reported by a browser driver.
type DriverError struct {
	Kind DriverErrorKind
	Op   string
	Err  error
}

// NewDriverError wraps err with a kind and the operation that produced it.
func NewDriverError(kind DriverErrorKind, op string, err error) *DriverError {
	return &DriverError{Kind: kind, Op: op, Err: err}
}

func (e *DriverError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("driver %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("driver %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// Transient reports whether retrying may help. Only a lost connection is fatal.
func (e *DriverError) Transient() bool {
	return e.Kind != DriverDisconnected
}

// NavError annotates a navigation that did not reach readiness.
type NavError struct {
	URL     string
	Elapsed time.Duration
	Err     error
}

func (e *NavError) Error() string {
	return fmt.Sprintf("navigate %s (after %s): %v", e.URL, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *NavError) Unwrap() error { return e.Err }

// InteractionFailed is returned when the retry budget of an action is exhausted.
type InteractionFailed struct {
	Key         string
	Action      ActionKind
	Attempts    int
	LastReason  error
	SnapshotAge time.Duration
}

func (e *InteractionFailed) Error() string {
	return fmt.Sprintf("%s on %s failed after %d attempts (snapshot age %s): %v",
		e.Action, e.Key, e.Attempts, e.SnapshotAge.Round(time.Millisecond), e.LastReason)
}

func (e *InteractionFailed) Unwrap() error { return e.LastReason }

// IsDisconnected reports whether err carries a fatal driver disconnect.
func IsDisconnected(err error) bool {
	var de *DriverError
	return errors.As(err, &de) && de.Kind == DriverDisconnected
}

// IsTransient reports whether err is a driver error worth retrying, or a stale capture.
func IsTransient(err error) bool {
	if errors.Is(err, ErrStaleCapture) {
		return true
	}
	var de *DriverError
	return errors.As(err, &de) && de.Transient()
}
