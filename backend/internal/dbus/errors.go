package dbus

import (
	"fmt"
	"time"
)

// TimeoutError is returned when a D-Bus call exceeds its deadline.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Method == "" {
		return "dbus: call timed out"
	}
	return fmt.Sprintf("dbus: %s timed out after %s", e.Method, e.Timeout)
}

// RemoteError wraps an error returned by the remote end of a call.
type RemoteError struct {
	Method string
	Err    error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("dbus: %s: %v", e.Method, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

var (
	_ error = (*TimeoutError)(nil)
	_ error = (*RemoteError)(nil)
)
