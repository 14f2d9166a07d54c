package listener

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	idbus "github.com/b0bbywan/go-portal-bypass/backend/internal/dbus"
	"github.com/b0bbywan/go-portal-bypass/logger"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

// Caller submits requests to the dispatcher.
type Caller interface {
	Call(ctx context.Context, req *portal.Request) (portal.Reply, error)
	Notify(ctx context.Context, req *portal.Request) error
}

// Bus is the part of *dbus.Conn the listener uses.
type Bus interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)
}

type Config struct {
	Name     string
	Path     dbus.ObjectPath
	Families []portal.Family
}

// Listener is the bus surface of the backend. It turns method calls and
// property reads into dispatcher requests and owns one exported Session
// object per live session.
type Listener struct {
	ctx    context.Context
	cancel context.CancelFunc
	bus    Bus
	caller Caller
	name   string
	path   dbus.ObjectPath

	families map[portal.Family]struct{}

	mu       sync.Mutex
	sessions map[dbus.ObjectPath]*sessionObject
	owned    bool
}

func New(ctx context.Context, bus Bus, caller Caller, cfg Config) *Listener {
	lctx, cancel := context.WithCancel(ctx)
	families := make(map[portal.Family]struct{}, len(cfg.Families))
	for _, f := range cfg.Families {
		families[f] = struct{}{}
	}
	return &Listener{
		ctx:      lctx,
		cancel:   cancel,
		bus:      bus,
		caller:   caller,
		name:     cfg.Name,
		path:     cfg.Path,
		families: families,
		sessions: make(map[dbus.ObjectPath]*sessionObject),
	}
}

// Start exports the portal objects and then claims the bus name, so nothing
// reaches the name before its methods exist.
func (l *Listener) Start() error {
	if err := l.exportRoot(); err != nil {
		return fmt.Errorf("export %s: %w", l.path, err)
	}

	reply, err := l.bus.RequestName(l.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", l.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("request name %s: already owned", l.name)
	}
	l.mu.Lock()
	l.owned = true
	l.mu.Unlock()

	logger.Info("[listener] serving %s at %s", l.name, l.path)
	return nil
}

func (l *Listener) exportRoot() error {
	node := &introspect.Node{
		Name: string(l.path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
		},
	}

	props := &properties{l: l, path: l.path}
	if err := l.bus.Export(props, l.path, idbus.DBUS_PROP_IFACE); err != nil {
		return err
	}
	node.Interfaces = append(node.Interfaces, introspect.Interface{
		Name:    idbus.DBUS_PROP_IFACE,
		Methods: introspect.Methods(props),
	})

	if l.enabled(portal.RemoteDesktop) {
		rd := &remoteDesktop{l: l}
		if err := l.bus.Export(rd, l.path, portal.RemoteDesktopInterface); err != nil {
			return err
		}
		node.Interfaces = append(node.Interfaces, introspect.Interface{
			Name:       portal.RemoteDesktopInterface,
			Methods:    introspect.Methods(rd),
			Properties: readOnly(remoteDesktopProperties),
		})
	}

	if l.enabled(portal.ScreenCast) {
		sc := &screenCast{l: l}
		if err := l.bus.Export(sc, l.path, portal.ScreenCastInterface); err != nil {
			return err
		}
		node.Interfaces = append(node.Interfaces, introspect.Interface{
			Name:       portal.ScreenCastInterface,
			Methods:    introspect.Methods(sc),
			Properties: readOnly(screenCastProperties),
		})
	}

	return l.bus.Export(introspect.NewIntrospectable(node), l.path, idbus.INTROSPECTABLE)
}

// Close releases the bus name, emits Closed for every session still exported
// and unexports everything. Call it once the dispatcher has stopped.
func (l *Listener) Close() {
	l.cancel()

	l.mu.Lock()
	owned := l.owned
	l.owned = false
	paths := make([]dbus.ObjectPath, 0, len(l.sessions))
	for path := range l.sessions {
		paths = append(paths, path)
	}
	l.mu.Unlock()

	if owned {
		if _, err := l.bus.ReleaseName(l.name); err != nil {
			logger.Warn("[listener] failed to release %s: %v", l.name, err)
		}
	}
	for _, path := range paths {
		l.dropSession(path, true)
	}
	for _, iface := range []string{
		portal.RemoteDesktopInterface,
		portal.ScreenCastInterface,
		idbus.DBUS_PROP_IFACE,
		idbus.INTROSPECTABLE,
	} {
		if err := l.bus.Export(nil, l.path, iface); err != nil {
			logger.Debug("[listener] unexport %s: %v", iface, err)
		}
	}
	logger.Info("[listener] stopped")
}

func (l *Listener) enabled(f portal.Family) bool {
	_, ok := l.families[f]
	return ok
}

// call submits op and waits for its reply.
func (l *Listener) call(family portal.Family, session dbus.ObjectPath, op portal.Operation) portal.Reply {
	req := portal.NewRequest(family, session, op)
	reply, err := l.caller.Call(l.ctx, req)
	if err != nil {
		logger.Warn("[listener] %s: %v", req, err)
		return portal.Failure(err)
	}
	return reply
}

// notify submits op without waiting.
func (l *Listener) notify(family portal.Family, session dbus.ObjectPath, op portal.Operation) *dbus.Error {
	req := portal.NewRequest(family, session, op)
	if err := l.caller.Notify(l.ctx, req); err != nil {
		logger.Debug("[listener] %s: %v", req, err)
		return idbus.Failed(err)
	}
	return nil
}

// request runs a Request-style method and exports the session object when a
// CreateSession succeeds.
func (l *Listener) request(family portal.Family, session dbus.ObjectPath, op portal.Operation) (uint32, map[string]dbus.Variant, *dbus.Error) {
	reply := l.call(family, session, op)
	if reply.Results == nil {
		reply.Results = map[string]dbus.Variant{}
	}
	if _, ok := op.(portal.CreateSession); ok && reply.Status == portal.StatusSuccess {
		if err := l.addSession(family, session); err != nil {
			logger.Warn("[listener] failed to export session %s: %v", session, err)
		}
	}
	return reply.Status, reply.Results, nil
}

func (l *Listener) addSession(family portal.Family, path dbus.ObjectPath) error {
	s := &sessionObject{l: l, family: family, path: path}
	if err := s.export(); err != nil {
		s.unexport()
		return err
	}
	l.mu.Lock()
	l.sessions[path] = s
	l.mu.Unlock()
	logger.Debug("[listener] exported session %s", path)
	return nil
}

func (l *Listener) session(path dbus.ObjectPath) *sessionObject {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[path]
}

// dropSession unexports a session object and closes the descriptors it owns.
// emit sends Session.Closed, which is only due when we end the session.
func (l *Listener) dropSession(path dbus.ObjectPath, emit bool) {
	l.mu.Lock()
	s, ok := l.sessions[path]
	delete(l.sessions, path)
	l.mu.Unlock()
	if !ok {
		return
	}
	if emit {
		if err := l.bus.Emit(path, portal.SessionInterface+".Closed"); err != nil {
			logger.Debug("[listener] failed to emit Closed on %s: %v", path, err)
		}
	}
	s.unexport()
	s.release()
	logger.Debug("[listener] session %s unexported", path)
}

// adopt hands a received descriptor to its session, which closes it when
// the session ends. The bus keeps reading it until the reply is sent.
func (l *Listener) adopt(path dbus.ObjectPath, f *os.File) bool {
	s := l.session(path)
	if s == nil {
		return false
	}
	return s.keep(f)
}
