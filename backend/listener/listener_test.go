package listener

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"

	idbus "github.com/b0bbywan/go-portal-bypass/backend/internal/dbus"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

const testPath = dbus.ObjectPath("/org/freedesktop/portal/desktop")

type emitted struct {
	path dbus.ObjectPath
	name string
}

type fakeBus struct {
	mu       sync.Mutex
	exports  map[dbus.ObjectPath]map[string]interface{}
	emitted  []emitted
	reply    dbus.RequestNameReply
	released []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		exports: make(map[dbus.ObjectPath]map[string]interface{}),
		reply:   dbus.RequestNameReplyPrimaryOwner,
	}
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v == nil {
		delete(b.exports[path], iface)
		if len(b.exports[path]) == 0 {
			delete(b.exports, path)
		}
		return nil
	}
	if b.exports[path] == nil {
		b.exports[path] = make(map[string]interface{})
	}
	b.exports[path][iface] = v
	return nil
}

func (b *fakeBus) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, emitted{path: path, name: name})
	return nil
}

func (b *fakeBus) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return b.reply, nil
}

func (b *fakeBus) ReleaseName(name string) (dbus.ReleaseNameReply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, name)
	return dbus.ReleaseNameReplyReleased, nil
}

func (b *fakeBus) exported(path dbus.ObjectPath, iface string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exports[path][iface]
}

// fakeCaller answers every request with answer and records it.
type fakeCaller struct {
	mu       sync.Mutex
	requests []*portal.Request
	answer   func(req *portal.Request) portal.Reply
	err      error
}

func (c *fakeCaller) Call(ctx context.Context, req *portal.Request) (portal.Reply, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	answer, err := c.answer, c.err
	c.mu.Unlock()
	if err != nil {
		req.Reply.Fulfil(portal.Failure(err))
		return portal.Failure(err), err
	}
	reply := portal.Success(nil)
	if answer != nil {
		reply = answer(req)
	}
	req.Reply.Fulfil(reply)
	return req.Reply.Wait(ctx)
}

func (c *fakeCaller) Notify(ctx context.Context, req *portal.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return c.err
}

func (c *fakeCaller) last() *portal.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func startListener(t *testing.T, caller *fakeCaller, families ...portal.Family) (*Listener, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	l := New(context.Background(), bus, caller, Config{
		Name:     "org.freedesktop.impl.portal.desktop.bypass",
		Path:     testPath,
		Families: families,
	})
	if err := l.Start(); err != nil {
		t.Fatal(err)
	}
	return l, bus
}

func TestStartExportsEnabledInterfaces(t *testing.T) {
	_, bus := startListener(t, &fakeCaller{}, portal.RemoteDesktop)

	if bus.exported(testPath, portal.RemoteDesktopInterface) == nil {
		t.Error("RemoteDesktop not exported")
	}
	if bus.exported(testPath, portal.ScreenCastInterface) != nil {
		t.Error("ScreenCast exported although disabled")
	}
	for _, iface := range []string{idbus.DBUS_PROP_IFACE, idbus.INTROSPECTABLE} {
		if bus.exported(testPath, iface) == nil {
			t.Errorf("%s not exported", iface)
		}
	}
}

func TestStartFailsWhenNameTaken(t *testing.T) {
	bus := newFakeBus()
	bus.reply = dbus.RequestNameReplyExists
	l := New(context.Background(), bus, &fakeCaller{}, Config{Name: "org.example.Taken", Path: testPath})
	if err := l.Start(); err == nil {
		t.Fatal("Start should fail when the name is owned")
	}
}

func TestCreateSessionExportsSessionObject(t *testing.T) {
	l, bus := startListener(t, &fakeCaller{}, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}

	status, results, derr := rd.CreateSession("/request/1", "/session/1", "org.example.App", nil)
	if derr != nil || status != portal.StatusSuccess || results == nil {
		t.Fatalf("CreateSession = %d %v %v", status, results, derr)
	}
	if bus.exported("/session/1", portal.SessionInterface) == nil {
		t.Fatal("session object not exported")
	}
}

func TestFailedCreateSessionExportsNothing(t *testing.T) {
	caller := &fakeCaller{answer: func(*portal.Request) portal.Reply {
		return portal.Failure(errors.New("construction failed"))
	}}
	l, bus := startListener(t, caller, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}

	status, results, derr := rd.CreateSession("/request/1", "/session/1", "app", nil)
	if derr != nil {
		t.Fatal(derr)
	}
	if status != portal.StatusFailed || results["error"].Value() != "construction failed" {
		t.Errorf("reply = %d %v", status, results)
	}
	if bus.exported("/session/1", portal.SessionInterface) != nil {
		t.Error("failed session must not be exported")
	}
}

func TestCallerErrorIsFailureStatus(t *testing.T) {
	l, _ := startListener(t, &fakeCaller{err: portal.ErrStopped}, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}

	status, results, derr := rd.SelectDevices("/request/1", "/session/1", "app", nil)
	if derr != nil {
		t.Fatal(derr)
	}
	if status != portal.StatusFailed || results["error"].Value() != portal.ErrStopped.Error() {
		t.Errorf("reply = %d %v", status, results)
	}
}

func TestRequestFields(t *testing.T) {
	caller := &fakeCaller{}
	l, _ := startListener(t, caller, portal.RemoteDesktop, portal.ScreenCast)
	rd := &remoteDesktop{l: l}
	sc := &screenCast{l: l}

	opts := map[string]dbus.Variant{"types": dbus.MakeVariant(uint32(3))}
	if _, _, derr := rd.Start("/request/2", "/session/1", "app", "x11:1", opts); derr != nil {
		t.Fatal(derr)
	}
	req := caller.last()
	start, ok := req.Op.(portal.Start)
	if !ok || req.Family != portal.RemoteDesktop || req.Session != "/session/1" {
		t.Fatalf("request = %s", req)
	}
	if start.Handle != "/request/2" || start.ParentWindow != "x11:1" || start.Opts["types"].Value() != uint32(3) {
		t.Errorf("Start = %+v", start)
	}

	if _, _, derr := sc.SelectSources("/request/3", "/session/2", "app", nil); derr != nil {
		t.Fatal(derr)
	}
	if req := caller.last(); req.Family != portal.ScreenCast {
		t.Errorf("SelectSources family = %s", req.Family)
	}
}

func TestNotifyFields(t *testing.T) {
	caller := &fakeCaller{}
	l, _ := startListener(t, caller, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}

	tests := []struct {
		name string
		call func() *dbus.Error
		want portal.Operation
	}{
		{"motion", func() *dbus.Error { return rd.NotifyPointerMotion("/s", nil, 1.5, -2) }, portal.NotifyPointerMotion{DX: 1.5, DY: -2}},
		{"absolute", func() *dbus.Error { return rd.NotifyPointerMotionAbsolute("/s", nil, 7, 10, 20) }, portal.NotifyPointerMotionAbsolute{Stream: 7, X: 10, Y: 20}},
		{"button", func() *dbus.Error { return rd.NotifyPointerButton("/s", nil, 272, 1) }, portal.NotifyPointerButton{Button: 272, State: 1}},
		{"axis", func() *dbus.Error { return rd.NotifyPointerAxis("/s", nil, 0, 3) }, portal.NotifyPointerAxis{DX: 0, DY: 3}},
		{"discrete", func() *dbus.Error { return rd.NotifyPointerAxisDiscrete("/s", nil, 1, -1) }, portal.NotifyPointerAxisDiscrete{Axis: 1, Steps: -1}},
		{"keycode", func() *dbus.Error { return rd.NotifyKeyboardKeycode("/s", nil, 30, 0) }, portal.NotifyKeyboardKeycode{Keycode: 30, State: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if derr := tt.call(); derr != nil {
				t.Fatal(derr)
			}
			req := caller.last()
			if req.Session != "/s" || req.Family != portal.RemoteDesktop {
				t.Fatalf("request = %s", req)
			}
			if req.Op.Name() != tt.want.Name() {
				t.Fatalf("op = %s, want %s", req.Op.Name(), tt.want.Name())
			}
			switch got := req.Op.(type) {
			case portal.NotifyPointerMotion:
				w := tt.want.(portal.NotifyPointerMotion)
				if got.DX != w.DX || got.DY != w.DY {
					t.Errorf("got %+v", got)
				}
			case portal.NotifyPointerMotionAbsolute:
				w := tt.want.(portal.NotifyPointerMotionAbsolute)
				if got.Stream != w.Stream || got.X != w.X || got.Y != w.Y {
					t.Errorf("got %+v", got)
				}
			case portal.NotifyPointerButton:
				if got.Button != 272 || got.State != 1 {
					t.Errorf("got %+v", got)
				}
			case portal.NotifyPointerAxis:
				if got.DY != 3 {
					t.Errorf("got %+v", got)
				}
			case portal.NotifyPointerAxisDiscrete:
				if got.Axis != 1 || got.Steps != -1 {
					t.Errorf("got %+v", got)
				}
			case portal.NotifyKeyboardKeycode:
				if got.Keycode != 30 || got.State != 0 {
					t.Errorf("got %+v", got)
				}
			}
		})
	}
}

func TestNotifyRefused(t *testing.T) {
	l, _ := startListener(t, &fakeCaller{err: portal.ErrStopped}, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}
	derr := rd.NotifyPointerMotion("/s", nil, 1, 1)
	if derr == nil || derr.Name != idbus.ERR_FAILED {
		t.Errorf("error = %v, want %s", derr, idbus.ERR_FAILED)
	}
}

func TestKeysymFailureIsBusError(t *testing.T) {
	caller := &fakeCaller{answer: func(*portal.Request) portal.Reply {
		return portal.Failure(portal.ErrKeysym)
	}}
	l, _ := startListener(t, caller, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}

	derr := rd.NotifyKeyboardKeysym("/s", nil, 0x61, 1)
	if derr == nil || derr.Name != idbus.ERR_FAILED {
		t.Fatalf("error = %v", derr)
	}
	if derr.Body[0] != portal.ErrKeysym.Error() {
		t.Errorf("body = %v", derr.Body)
	}
}

func TestProperties(t *testing.T) {
	caller := &fakeCaller{answer: func(req *portal.Request) portal.Reply {
		return portal.Value(dbus.MakeVariant(uint32(3)))
	}}
	l, _ := startListener(t, caller, portal.RemoteDesktop)
	props := &properties{l: l, path: testPath}

	v, derr := props.Get(portal.RemoteDesktopInterface, "AvailableDeviceTypes")
	if derr != nil || v.Value() != uint32(3) {
		t.Fatalf("Get = %v, %v", v, derr)
	}
	req := caller.last()
	if req.Session != "" || req.Op.(portal.GetProperty).Property != "AvailableDeviceTypes" {
		t.Errorf("request = %s", req)
	}

	if _, derr := props.Get(portal.RemoteDesktopInterface, "Bogus"); derr == nil || derr.Name != idbus.ERR_UNKNOWN_PROPERTY {
		t.Errorf("unknown property error = %v", derr)
	}
	if _, derr := props.Get(portal.ScreenCastInterface, "Version"); derr == nil || derr.Name != idbus.ERR_UNKNOWN_INTERFACE {
		t.Errorf("disabled interface error = %v", derr)
	}
	if derr := props.Set(portal.RemoteDesktopInterface, "Version", dbus.MakeVariant(uint32(2))); derr == nil || derr.Name != idbus.ERR_PROPERTY_READONLY {
		t.Errorf("Set error = %v", derr)
	}

	all, derr := props.GetAll(portal.RemoteDesktopInterface)
	if derr != nil || len(all) != 2 {
		t.Errorf("GetAll = %v, %v", all, derr)
	}
}

func TestSessionCloseFromFrontend(t *testing.T) {
	caller := &fakeCaller{}
	l, bus := startListener(t, caller, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}
	if _, _, derr := rd.CreateSession("/request/1", "/session/1", "app", nil); derr != nil {
		t.Fatal(derr)
	}

	s := bus.exported("/session/1", portal.SessionInterface).(*sessionObject)
	if derr := s.Close(); derr != nil {
		t.Fatal(derr)
	}
	req := caller.last()
	if _, ok := req.Op.(portal.CloseSession); !ok || req.Session != "/session/1" || req.Family != portal.RemoteDesktop {
		t.Errorf("request = %s", req)
	}
	if bus.exported("/session/1", portal.SessionInterface) != nil {
		t.Error("session object still exported")
	}
	if len(bus.emitted) != 0 {
		t.Errorf("Closed must not be emitted for a frontend close, got %v", bus.emitted)
	}
}

func TestSessionProperties(t *testing.T) {
	p := &sessionProperties{}
	v, derr := p.Get(portal.SessionInterface, "version")
	if derr != nil || v.Value() != SessionVersion {
		t.Errorf("version = %v, %v", v, derr)
	}
	if _, derr := p.Get(portal.SessionInterface, "Version"); derr == nil {
		t.Error("session property names are lower case")
	}
}

func TestOpenPipeWireRemoteOwnership(t *testing.T) {
	rd, wr, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer wr.Close()

	caller := &fakeCaller{answer: func(req *portal.Request) portal.Reply {
		if _, ok := req.Op.(portal.OpenPipeWireRemote); ok {
			return portal.FileReply(rd)
		}
		return portal.Success(nil)
	}}
	l, _ := startListener(t, caller, portal.ScreenCast)
	sc := &screenCast{l: l}

	if _, derr := sc.OpenPipeWireRemote("/session/1", nil); derr == nil {
		t.Fatal("descriptor for an unknown session should be refused")
	}

	rd, wr2, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer wr2.Close()
	if _, _, derr := sc.CreateSession("/request/1", "/session/1", "app", nil); derr != nil {
		t.Fatal(derr)
	}
	fd, derr := sc.OpenPipeWireRemote("/session/1", nil)
	if derr != nil {
		t.Fatal(derr)
	}
	if uintptr(fd) != rd.Fd() {
		t.Errorf("fd = %d, want %d", fd, rd.Fd())
	}

	l.Close()
	if err := rd.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("descriptor should be closed with the session, Close = %v", err)
	}
}

func TestCloseEmitsClosedAndReleasesName(t *testing.T) {
	l, bus := startListener(t, &fakeCaller{}, portal.RemoteDesktop)
	rd := &remoteDesktop{l: l}
	for _, path := range []dbus.ObjectPath{"/session/1", "/session/2"} {
		if _, _, derr := rd.CreateSession("/request", path, "app", nil); derr != nil {
			t.Fatal(derr)
		}
	}

	l.Close()

	if len(bus.emitted) != 2 {
		t.Fatalf("emitted %v, want Closed on both sessions", bus.emitted)
	}
	for _, e := range bus.emitted {
		if e.name != portal.SessionInterface+".Closed" {
			t.Errorf("emitted %s", e.name)
		}
	}
	if len(bus.released) != 1 {
		t.Errorf("released = %v", bus.released)
	}
	if len(bus.exports) != 0 {
		t.Errorf("still exported: %v", bus.exports)
	}
}
