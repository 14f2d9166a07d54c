package dbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

// fakeObject answers CallWithContext only; the embedded nil interface
// panics on anything else.
type fakeObject struct {
	dbus.BusObject
	body  []interface{}
	err   error
	delay time.Duration
	got   string
}

func (o *fakeObject) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	o.got = method
	if o.delay > 0 {
		select {
		case <-time.After(o.delay):
		case <-ctx.Done():
			return &dbus.Call{Method: method, Err: ctx.Err()}
		}
	}
	return &dbus.Call{Method: method, Body: o.body, Err: o.err}
}

func TestCallTimeout(t *testing.T) {
	obj := &fakeObject{delay: time.Second}
	call := Call(context.Background(), obj, 10*time.Millisecond, "org.example.Slow")

	var timeout *TimeoutError
	if !errors.As(call.Err, &timeout) {
		t.Fatalf("error = %v, want TimeoutError", call.Err)
	}
	if timeout.Method != "org.example.Slow" {
		t.Errorf("Method = %q", timeout.Method)
	}
}

func TestCallRemoteError(t *testing.T) {
	remote := dbus.NewError("org.freedesktop.DBus.Error.ServiceUnknown", []interface{}{"no such name"})
	obj := &fakeObject{err: remote}
	call := Call(context.Background(), obj, time.Second, "org.example.Method")

	var remoteErr *RemoteError
	if !errors.As(call.Err, &remoteErr) {
		t.Fatalf("error = %v, want RemoteError", call.Err)
	}
	var dbusErr *dbus.Error
	if !errors.As(call.Err, &dbusErr) || dbusErr.Name != "org.freedesktop.DBus.Error.ServiceUnknown" {
		t.Errorf("RemoteError should unwrap to the dbus error, got %v", call.Err)
	}
}

func TestCallDefaultTimeout(t *testing.T) {
	obj := &fakeObject{body: []interface{}{uint32(0)}}
	call := Call(context.Background(), obj, 0, "org.example.Fast")
	if call.Err != nil {
		t.Fatalf("unexpected error: %v", call.Err)
	}
}

func TestGetProperty(t *testing.T) {
	obj := &fakeObject{body: []interface{}{dbus.MakeVariant(uint32(3))}}
	v, err := GetProperty(context.Background(), obj, time.Second, "org.freedesktop.impl.portal.RemoteDesktop", "AvailableDeviceTypes")
	if err != nil {
		t.Fatal(err)
	}
	if obj.got != PROP_GET {
		t.Errorf("called %q, want %q", obj.got, PROP_GET)
	}
	if got, ok := v.Value().(uint32); !ok || got != 3 {
		t.Errorf("value = %v", v)
	}
}

func TestKeys(t *testing.T) {
	keys := Keys(map[string]dbus.Variant{"types": dbus.MakeVariant(uint32(2))})
	if len(keys) != 1 || keys[0] != "types" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestFailed(t *testing.T) {
	e := Failed(errors.New("boom"))
	if e.Name != ERR_FAILED {
		t.Errorf("Name = %q", e.Name)
	}
	if len(e.Body) != 1 || e.Body[0] != "boom" {
		t.Errorf("Body = %v", e.Body)
	}
}
