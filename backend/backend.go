package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/backend/forward"
	idbus "github.com/b0bbywan/go-portal-bypass/backend/internal/dbus"
	"github.com/b0bbywan/go-portal-bypass/backend/listener"
	"github.com/b0bbywan/go-portal-bypass/backend/uinput"
	"github.com/b0bbywan/go-portal-bypass/config"
	"github.com/b0bbywan/go-portal-bypass/logger"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

const ownerCheckTimeout = 2 * time.Second

// Backend wires the bus connection, the dispatcher and the bus surface.
type Backend struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	conn   *dbus.Conn

	Dispatcher *portal.Dispatcher
	Listener   *listener.Listener
	Devices    *uinput.Manager
	Connector  *forward.Connector

	started bool
}

func New(ctx context.Context, cfg *config.Config) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("backend: no configuration")
	}

	conn, err := connect(cfg.Bus.System)
	if err != nil {
		return nil, err
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &Backend{ctx: bctx, cancel: cancel, cfg: cfg, conn: conn}

	modes := Modes(cfg)
	var opts []portal.Option
	if m, ok := modes[portal.RemoteDesktop]; ok && m.Kind == portal.ModeServer {
		b.Devices = uinput.NewManager(cfg.Server.DeviceName)
		opts = append(opts, portal.WithDeviceFactory(b.Devices))
	}
	if usesProxy(modes) {
		b.Connector = forward.NewConnector(conn, cfg.Proxy.Timeout, cfg.Proxy.PropertyCache)
		opts = append(opts, portal.WithResolver(b.Connector))
	}

	b.Dispatcher = portal.New(portal.Config{
		Modes:     modes,
		QueueSize: cfg.Dispatcher.QueueSize,
		MaxTasks:  cfg.Dispatcher.MaxTasks,
		Backlog:   cfg.Dispatcher.Backlog,
	}, opts...)

	b.Listener = listener.New(bctx, conn, b.Dispatcher, listener.Config{
		Name:     cfg.Bus.Name,
		Path:     dbus.ObjectPath(cfg.Bus.Path),
		Families: families(modes),
	})

	return b, nil
}

// Start runs the dispatcher and publishes the portal on the bus.
func (b *Backend) Start() error {
	if b.Devices != nil {
		if err := uinput.Accessible(); err != nil {
			logger.Warn("[backend] server sessions will fail to start: %v", err)
		}
	}
	if b.Connector != nil {
		b.checkDestination()
	}

	go func() {
		if err := b.Dispatcher.Run(b.ctx); err != nil {
			logger.Error("[backend] dispatcher: %v", err)
		}
	}()
	b.started = true

	if err := b.Listener.Start(); err != nil {
		b.cancel()
		<-b.Dispatcher.Done()
		b.started = false
		return err
	}
	return nil
}

// checkDestination warns when the proxy destination has no owner yet. It is
// not fatal: the destination may be activated on first call.
func (b *Backend) checkDestination() {
	ctx, cancel := context.WithTimeout(b.ctx, ownerCheckTimeout)
	defer cancel()
	owned, err := idbus.NameHasOwner(ctx, b.conn, b.cfg.Proxy.Destination)
	switch {
	case err != nil:
		logger.Debug("[backend] cannot check owner of %s: %v", b.cfg.Proxy.Destination, err)
	case !owned:
		logger.Warn("[backend] %s has no owner yet, forwarded calls fail until it appears", b.cfg.Proxy.Destination)
	}
}

// Close stops the dispatcher, waits for it to tear the sessions down, then
// withdraws the bus surface and disconnects.
func (b *Backend) Close() {
	b.cancel()
	if b.started {
		<-b.Dispatcher.Done()
	}
	if b.Listener != nil {
		b.Listener.Close()
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			logger.Error("[backend] failed to close D-Bus connection: %v", err)
		}
		b.conn = nil
	}
	if b.Connector != nil {
		b.Connector.Reset()
	}
}

// Sessions snapshots the dispatcher's session table.
func (b *Backend) Sessions(ctx context.Context) ([]portal.SessionInfo, error) {
	if b.Dispatcher == nil {
		return []portal.SessionInfo{}, nil
	}
	return b.Dispatcher.Sessions(ctx)
}

// Modes maps the configured interface modes to dispatcher modes. Disabled
// interfaces are left out.
func Modes(cfg *config.Config) map[portal.Family]portal.Mode {
	modes := make(map[portal.Family]portal.Mode, 2)
	for family, ic := range map[portal.Family]*config.InterfaceConfig{
		portal.RemoteDesktop: cfg.RemoteDesktop,
		portal.ScreenCast:    cfg.ScreenCast,
	} {
		if !ic.Enabled() {
			continue
		}
		switch ic.Mode {
		case config.ModeServer:
			modes[family] = portal.ServerMode()
		case config.ModeProxy:
			modes[family] = portal.ProxyMode(cfg.Proxy.Destination, cfg.Proxy.Path)
		}
	}
	return modes
}

func usesProxy(modes map[portal.Family]portal.Mode) bool {
	for _, m := range modes {
		if m.Kind == portal.ModeProxy {
			return true
		}
	}
	return false
}

func families(modes map[portal.Family]portal.Mode) []portal.Family {
	out := make([]portal.Family, 0, len(modes))
	for _, f := range []portal.Family{portal.RemoteDesktop, portal.ScreenCast} {
		if _, ok := modes[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func connect(system bool) (*dbus.Conn, error) {
	if system {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("connect system bus: %w", err)
		}
		return conn, nil
	}
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		addr := sessionBusAddress()
		logger.Debug("[backend] DBUS_SESSION_BUS_ADDRESS unset, trying %s", addr)
		conn, err := dbus.Connect(addr)
		if err != nil {
			return nil, fmt.Errorf("connect session bus at %s: %w", addr, err)
		}
		return conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	return conn, nil
}
