package listener

import (
	"errors"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	idbus "github.com/b0bbywan/go-portal-bypass/backend/internal/dbus"
	"github.com/b0bbywan/go-portal-bypass/logger"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

// SessionVersion is the version property of exported Session objects.
const SessionVersion uint32 = 1

var (
	remoteDesktopProperties = []string{"AvailableDeviceTypes", "Version"}
	screenCastProperties    = []string{"AvailableSourceTypes", "AvailableCursorModes", "Version"}
)

func readOnly(names []string) []introspect.Property {
	out := make([]introspect.Property, 0, len(names))
	for _, n := range names {
		out = append(out, introspect.Property{Name: n, Type: "u", Access: "read"})
	}
	return out
}

func knownProperty(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// remoteDesktop is exported as org.freedesktop.impl.portal.RemoteDesktop.
// Every exported method is a bus member.
type remoteDesktop struct {
	l *Listener
}

func (o *remoteDesktop) CreateSession(handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, *dbus.Error) {
	return o.l.request(portal.RemoteDesktop, session, portal.CreateSession{Handle: handle, AppID: appID, Opts: opts})
}

func (o *remoteDesktop) SelectDevices(handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, *dbus.Error) {
	return o.l.request(portal.RemoteDesktop, session, portal.SelectDevices{Handle: handle, AppID: appID, Opts: opts})
}

func (o *remoteDesktop) Start(handle, session dbus.ObjectPath, appID, parentWindow string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, *dbus.Error) {
	return o.l.request(portal.RemoteDesktop, session, portal.Start{Handle: handle, AppID: appID, ParentWindow: parentWindow, Opts: opts})
}

func (o *remoteDesktop) NotifyPointerMotion(session dbus.ObjectPath, opts map[string]dbus.Variant, dx, dy float64) *dbus.Error {
	return o.l.notify(portal.RemoteDesktop, session, portal.NotifyPointerMotion{Opts: opts, DX: dx, DY: dy})
}

func (o *remoteDesktop) NotifyPointerMotionAbsolute(session dbus.ObjectPath, opts map[string]dbus.Variant, stream uint32, x, y float64) *dbus.Error {
	return o.l.notify(portal.RemoteDesktop, session, portal.NotifyPointerMotionAbsolute{Opts: opts, Stream: stream, X: x, Y: y})
}

func (o *remoteDesktop) NotifyPointerButton(session dbus.ObjectPath, opts map[string]dbus.Variant, button int32, state uint32) *dbus.Error {
	return o.l.notify(portal.RemoteDesktop, session, portal.NotifyPointerButton{Opts: opts, Button: button, State: state})
}

func (o *remoteDesktop) NotifyPointerAxis(session dbus.ObjectPath, opts map[string]dbus.Variant, dx, dy float64) *dbus.Error {
	return o.l.notify(portal.RemoteDesktop, session, portal.NotifyPointerAxis{Opts: opts, DX: dx, DY: dy})
}

func (o *remoteDesktop) NotifyPointerAxisDiscrete(session dbus.ObjectPath, opts map[string]dbus.Variant, axis uint32, steps int32) *dbus.Error {
	return o.l.notify(portal.RemoteDesktop, session, portal.NotifyPointerAxisDiscrete{Opts: opts, Axis: axis, Steps: steps})
}

func (o *remoteDesktop) NotifyKeyboardKeycode(session dbus.ObjectPath, opts map[string]dbus.Variant, keycode int32, state uint32) *dbus.Error {
	return o.l.notify(portal.RemoteDesktop, session, portal.NotifyKeyboardKeycode{Opts: opts, Keycode: keycode, State: state})
}

// NotifyKeyboardKeysym waits for the outcome so that a backend without
// keysym support surfaces as an error to the caller.
func (o *remoteDesktop) NotifyKeyboardKeysym(session dbus.ObjectPath, opts map[string]dbus.Variant, keysym int32, state uint32) *dbus.Error {
	reply := o.l.call(portal.RemoteDesktop, session, portal.NotifyKeyboardKeysym{Opts: opts, Keysym: keysym, State: state})
	if err := reply.Err(); err != nil {
		return idbus.Failed(err)
	}
	return nil
}

// screenCast is exported as org.freedesktop.impl.portal.ScreenCast.
type screenCast struct {
	l *Listener
}

func (o *screenCast) CreateSession(handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, *dbus.Error) {
	return o.l.request(portal.ScreenCast, session, portal.CreateSession{Handle: handle, AppID: appID, Opts: opts})
}

func (o *screenCast) SelectSources(handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, *dbus.Error) {
	return o.l.request(portal.ScreenCast, session, portal.SelectSources{Handle: handle, AppID: appID, Opts: opts})
}

func (o *screenCast) Start(handle, session dbus.ObjectPath, appID, parentWindow string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, *dbus.Error) {
	return o.l.request(portal.ScreenCast, session, portal.Start{Handle: handle, AppID: appID, ParentWindow: parentWindow, Opts: opts})
}

func (o *screenCast) OpenPipeWireRemote(session dbus.ObjectPath, opts map[string]dbus.Variant) (dbus.UnixFD, *dbus.Error) {
	reply := o.l.call(portal.ScreenCast, session, portal.OpenPipeWireRemote{Opts: opts})
	if err := reply.Err(); err != nil {
		return -1, idbus.Failed(err)
	}
	if reply.FD == nil {
		return -1, idbus.Failed(errors.New("no descriptor received"))
	}
	if !o.l.adopt(session, reply.FD) {
		if err := reply.FD.Close(); err != nil {
			logger.Debug("[listener] failed to close descriptor: %v", err)
		}
		return -1, idbus.Failed(errors.New("session closed"))
	}
	return dbus.UnixFD(reply.FD.Fd()), nil
}

// properties serves org.freedesktop.DBus.Properties on the portal path.
type properties struct {
	l    *Listener
	path dbus.ObjectPath
}

func (p *properties) lookup(iface string) (portal.Family, []string, *dbus.Error) {
	family, ok := portal.FamilyForInterface(iface)
	if !ok || !p.l.enabled(family) {
		return 0, nil, idbus.NewError(idbus.ERR_UNKNOWN_INTERFACE, "no such interface "+iface)
	}
	if family == portal.RemoteDesktop {
		return family, remoteDesktopProperties, nil
	}
	return family, screenCastProperties, nil
}

func (p *properties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	family, names, derr := p.lookup(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	if !knownProperty(names, name) {
		return dbus.Variant{}, idbus.NewError(idbus.ERR_UNKNOWN_PROPERTY, "no such property "+name)
	}
	reply := p.l.call(family, "", portal.GetProperty{Property: name})
	if err := reply.Err(); err != nil {
		return dbus.Variant{}, idbus.Failed(err)
	}
	return reply.Value, nil
}

func (p *properties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	family, names, derr := p.lookup(iface)
	if derr != nil {
		return nil, derr
	}
	out := make(map[string]dbus.Variant, len(names))
	for _, name := range names {
		reply := p.l.call(family, "", portal.GetProperty{Property: name})
		if err := reply.Err(); err != nil {
			logger.Debug("[listener] %s.%s: %v", iface, name, err)
			continue
		}
		out[name] = reply.Value
	}
	return out, nil
}

func (p *properties) Set(iface, name string, value dbus.Variant) *dbus.Error {
	return idbus.NewError(idbus.ERR_PROPERTY_READONLY, name+" is read-only")
}

// sessionObject is exported as org.freedesktop.impl.portal.Session at the
// session handle. It owns the descriptors handed out for the session.
type sessionObject struct {
	l      *Listener
	family portal.Family
	path   dbus.ObjectPath

	mu     sync.Mutex
	fds    []*os.File
	closed bool
}

// Close ends the session on request of the frontend.
func (s *sessionObject) Close() *dbus.Error {
	reply := s.l.call(s.family, s.path, portal.CloseSession{})
	if err := reply.Err(); err != nil {
		logger.Debug("[listener] closing %s: %v", s.path, err)
	}
	s.l.dropSession(s.path, false)
	return nil
}

func (s *sessionObject) export() error {
	if err := s.l.bus.Export(s, s.path, portal.SessionInterface); err != nil {
		return err
	}
	props := &sessionProperties{}
	if err := s.l.bus.Export(props, s.path, idbus.DBUS_PROP_IFACE); err != nil {
		return err
	}
	node := &introspect.Node{
		Name: string(s.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:       portal.SessionInterface,
				Methods:    introspect.Methods(s),
				Signals:    []introspect.Signal{{Name: "Closed"}},
				Properties: []introspect.Property{{Name: "version", Type: "u", Access: "read"}},
			},
			{
				Name:    idbus.DBUS_PROP_IFACE,
				Methods: introspect.Methods(props),
			},
		},
	}
	return s.l.bus.Export(introspect.NewIntrospectable(node), s.path, idbus.INTROSPECTABLE)
}

func (s *sessionObject) unexport() {
	for _, iface := range []string{portal.SessionInterface, idbus.DBUS_PROP_IFACE, idbus.INTROSPECTABLE} {
		if err := s.l.bus.Export(nil, s.path, iface); err != nil {
			logger.Debug("[listener] unexport %s on %s: %v", iface, s.path, err)
		}
	}
}

func (s *sessionObject) keep(f *os.File) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.fds = append(s.fds, f)
	return true
}

func (s *sessionObject) release() {
	s.mu.Lock()
	fds := s.fds
	s.fds = nil
	s.closed = true
	s.mu.Unlock()
	for _, f := range fds {
		if err := f.Close(); err != nil {
			logger.Debug("[listener] failed to close descriptor of %s: %v", s.path, err)
		}
	}
}

type sessionProperties struct{}

func (p *sessionProperties) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	if iface != portal.SessionInterface {
		return dbus.Variant{}, idbus.NewError(idbus.ERR_UNKNOWN_INTERFACE, "no such interface "+iface)
	}
	if name != "version" {
		return dbus.Variant{}, idbus.NewError(idbus.ERR_UNKNOWN_PROPERTY, "no such property "+name)
	}
	return dbus.MakeVariant(SessionVersion), nil
}

func (p *sessionProperties) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	if iface != portal.SessionInterface {
		return nil, idbus.NewError(idbus.ERR_UNKNOWN_INTERFACE, "no such interface "+iface)
	}
	return map[string]dbus.Variant{"version": dbus.MakeVariant(SessionVersion)}, nil
}

func (p *sessionProperties) Set(iface, name string, value dbus.Variant) *dbus.Error {
	return idbus.NewError(idbus.ERR_PROPERTY_READONLY, name+" is read-only")
}
