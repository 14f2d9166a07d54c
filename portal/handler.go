package portal

import (
	"context"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/backend/uinput"
)

// handler is implemented by *serverHandler and *proxyHandler only. The
// dispatcher switches on the concrete type.
type handler interface {
	family() Family
	state() string
	sealed()
}

// DeviceFactory builds the virtual input device of a server session.
type DeviceFactory interface {
	Build(types uint32) (uinput.Device, error)
}

// Remote is a client for one destination portal backend.
type Remote interface {
	CreateSession(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error)
	SelectDevices(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error)
	SelectSources(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error)
	Start(ctx context.Context, handle, session dbus.ObjectPath, appID, parentWindow string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error)
	Notify(ctx context.Context, member string, session dbus.ObjectPath, opts map[string]dbus.Variant, args ...interface{}) error
	OpenPipeWireRemote(ctx context.Context, session dbus.ObjectPath, opts map[string]dbus.Variant) (*os.File, error)
	Property(ctx context.Context, name string) (dbus.Variant, error)
	CloseSession(ctx context.Context, session dbus.ObjectPath) error
}

// Resolver hands out a Remote for a proxied family. It must not block: the
// dispatcher calls it from its own goroutine.
type Resolver interface {
	Resolve(family Family, mode Mode) (Remote, error)
}

// construct picks the handler variant for a new session from the configured
// mode of its family.
func (d *Dispatcher) construct(family Family, session dbus.ObjectPath) (handler, error) {
	mode, ok := d.modes[family]
	if !ok {
		return nil, &ConstructionError{Family: family, Session: session, Reason: "interface not enabled"}
	}
	switch mode.Kind {
	case ModeServer:
		if family != RemoteDesktop {
			return nil, &ConstructionError{Family: family, Session: session, Reason: "screen cast requires proxy mode"}
		}
		if d.devices == nil {
			return nil, &ConstructionError{Family: family, Session: session, Reason: "no virtual device manager"}
		}
		return newServerHandler(session, d.devices), nil
	case ModeProxy:
		if d.resolver == nil {
			return nil, &ConstructionError{Family: family, Session: session, Reason: "no forwarding client"}
		}
		remote, err := d.resolver.Resolve(family, mode)
		if err != nil {
			return nil, &ConstructionError{Family: family, Session: session, Err: err}
		}
		return newProxyHandler(family, session, mode, remote), nil
	default:
		return nil, &ConstructionError{Family: family, Session: session, Reason: "unknown mode " + mode.Kind.String()}
	}
}
