package portal

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

var (
	ErrStopped         = errors.New("dispatcher stopped")
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrSchedulerFull   = errors.New("too many forwarding tasks in flight")
	ErrBacklogFull     = errors.New("too many requests waiting for the remote session")
	ErrKeysym          = errors.New("keysym not supported")
	ErrNoDeviceTypes   = errors.New("no device types selected")
)

// ConstructionError means no handler could be built for a session. The
// session row is not inserted.
type ConstructionError struct {
	Family  Family
	Session dbus.ObjectPath
	Reason  string
	Err     error
}

func (e *ConstructionError) Error() string {
	msg := fmt.Sprintf("cannot create %s session %s", e.Family, e.Session)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConstructionError) Unwrap() error { return e.Err }

// ProtocolError is a request that does not fit the handler it reached.
type ProtocolError struct {
	Family Family
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Family, e.Op, e.Reason)
}

// ValidationError is a bad option value. No state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// StateError is an operation issued in the wrong session state.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

type SessionError struct {
	Session dbus.ObjectPath
	Reason  string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s", e.Session, e.Reason)
}

var (
	_ error = (*ConstructionError)(nil)
	_ error = (*ProtocolError)(nil)
	_ error = (*ValidationError)(nil)
	_ error = (*StateError)(nil)
	_ error = (*SessionError)(nil)
)
