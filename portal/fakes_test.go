package portal

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/backend/uinput"
)

const testTimeout = 2 * time.Second

type fakeDevice struct {
	mu     sync.Mutex
	events []uinput.Event
	syncs  int
	closed bool
	panics bool
}

func (d *fakeDevice) Emit(events ...uinput.Event) error {
	if d.panics {
		panic("device exploded")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
	d.syncs++
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Events() []uinput.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uinput.Event(nil), d.events...)
}

func (d *fakeDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	devices []*fakeDevice
	types   []uint32
	err     error
	panics  bool
}

func (f *fakeFactory) Build(types uint32) (uinput.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	dev := &fakeDevice{panics: f.panics}
	f.devices = append(f.devices, dev)
	f.types = append(f.types, types)
	return dev, nil
}

func (f *fakeFactory) Built() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

func (f *fakeFactory) Device(i int) *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices[i]
}

type fakeRemote struct {
	mu      sync.Mutex
	calls   []string
	args    [][]interface{}
	status  uint32
	results map[string]dbus.Variant
	err     error
	block   chan struct{}
	file    *os.File
	prop    dbus.Variant
}

func (r *fakeRemote) record(ctx context.Context, name string, args ...interface{}) error {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.args = append(r.args, args)
	err, block := r.err, r.block
	r.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *fakeRemote) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *fakeRemote) LastArgs() []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.args) == 0 {
		return nil
	}
	return r.args[len(r.args)-1]
}

func (r *fakeRemote) SetErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRemote) request(ctx context.Context, name string) (uint32, map[string]dbus.Variant, error) {
	if err := r.record(ctx, name); err != nil {
		return 0, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.results, nil
}

func (r *fakeRemote) CreateSession(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return r.request(ctx, "CreateSession")
}

func (r *fakeRemote) SelectDevices(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return r.request(ctx, "SelectDevices")
}

func (r *fakeRemote) SelectSources(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return r.request(ctx, "SelectSources")
}

func (r *fakeRemote) Start(ctx context.Context, handle, session dbus.ObjectPath, appID, parentWindow string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return r.request(ctx, "Start")
}

func (r *fakeRemote) Notify(ctx context.Context, member string, session dbus.ObjectPath, opts map[string]dbus.Variant, args ...interface{}) error {
	return r.record(ctx, member, args...)
}

func (r *fakeRemote) OpenPipeWireRemote(ctx context.Context, session dbus.ObjectPath, opts map[string]dbus.Variant) (*os.File, error) {
	if err := r.record(ctx, "OpenPipeWireRemote"); err != nil {
		return nil, err
	}
	return r.file, nil
}

func (r *fakeRemote) Property(ctx context.Context, name string) (dbus.Variant, error) {
	if err := r.record(ctx, "Property:"+name); err != nil {
		return dbus.Variant{}, err
	}
	return r.prop, nil
}

func (r *fakeRemote) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	return r.record(ctx, "Close")
}

type fakeResolver struct {
	remote   *fakeRemote
	byFamily map[Family]*fakeRemote
	err      error
}

func (f *fakeResolver) Resolve(family Family, mode Mode) (Remote, error) {
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.byFamily[family]; ok {
		return r, nil
	}
	return f.remote, nil
}

func (r *fakeRemote) SetBlock(block chan struct{}) {
	r.mu.Lock()
	r.block = block
	r.mu.Unlock()
}

// Args returns the arguments of every call to name, in arrival order.
func (r *fakeRemote) Args(name string) [][]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]interface{}
	for i, c := range r.calls {
		if c == name {
			out = append(out, r.args[i])
		}
	}
	return out
}

var errRemote = errors.New("org.freedesktop.DBus.Error.ServiceUnknown: no such name")

func startDispatcher(t *testing.T, cfg Config, opts ...Option) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := New(cfg, opts...)
	go func() { _ = d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return d
}

func serverDispatcher(t *testing.T, factory *fakeFactory) *Dispatcher {
	t.Helper()
	return startDispatcher(t, Config{Modes: map[Family]Mode{RemoteDesktop: ServerMode()}}, WithDeviceFactory(factory))
}

func proxyDispatcher(t *testing.T, remote *fakeRemote, maxTasks int) *Dispatcher {
	t.Helper()
	mode := ProxyMode("org.freedesktop.impl.portal.desktop.gnome", "/org/freedesktop/portal/desktop")
	cfg := Config{
		Modes:    map[Family]Mode{RemoteDesktop: mode, ScreenCast: mode},
		MaxTasks: maxTasks,
	}
	return startDispatcher(t, cfg, WithResolver(&fakeResolver{remote: remote}))
}

func call(t *testing.T, d *Dispatcher, family Family, session dbus.ObjectPath, op Operation) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	req := NewRequest(family, session, op)
	reply, err := d.Call(ctx, req)
	if err != nil {
		t.Fatalf("%s: %v", req, err)
	}
	if n := req.Reply.Attempts(); n != 1 {
		t.Fatalf("%s: reply slot fulfilled %d times", req, n)
	}
	return reply
}

func typesOpt(types uint32) Options {
	return Options{"types": dbus.MakeVariant(types)}
}
