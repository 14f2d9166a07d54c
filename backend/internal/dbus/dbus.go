package dbus

import (
	"context"
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultTimeout bounds calls made without an explicit timeout.
var DefaultTimeout = 5 * time.Second

// Call runs method on obj bounded by timeout (DefaultTimeout when zero). A
// missed deadline is reported as *TimeoutError, any other failure as
// *RemoteError.
func Call(ctx context.Context, obj dbus.BusObject, timeout time.Duration, method string, args ...interface{}) *dbus.Call {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		call.Err = wrapError(ctx, method, timeout, call.Err)
	}
	return call
}

func wrapError(ctx context.Context, method string, timeout time.Duration, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Method: method, Timeout: timeout}
	}
	return &RemoteError{Method: method, Err: err}
}

// GetProperty retrieves a single property from a D-Bus object.
func GetProperty(ctx context.Context, obj dbus.BusObject, timeout time.Duration, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	call := Call(ctx, obj, timeout, PROP_GET, iface, prop)
	if call.Err != nil {
		return dbus.Variant{}, call.Err
	}
	if err := call.Store(&v); err != nil {
		return dbus.Variant{}, err
	}
	return v, nil
}

// NameHasOwner asks the bus daemon whether name is currently owned.
func NameHasOwner(ctx context.Context, conn *dbus.Conn, name string) (bool, error) {
	var owned bool
	call := Call(ctx, conn.BusObject(), DefaultTimeout, BUS_NAME_HAS_OWNER, name)
	if call.Err != nil {
		return false, call.Err
	}
	return owned, call.Store(&owned)
}

// NewError builds a reply error for an exported method.
func NewError(name string, msg string) *dbus.Error {
	return dbus.NewError(name, []interface{}{msg})
}

// Failed is the generic org.freedesktop.DBus.Error.Failed reply.
func Failed(err error) *dbus.Error {
	return NewError(ERR_FAILED, err.Error())
}

// Keys returns the keys of a props map (useful for debug logging).
func Keys(props map[string]dbus.Variant) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	return keys
}
