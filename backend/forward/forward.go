package forward

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/godbus/dbus/v5"

	idbus "github.com/b0bbywan/go-portal-bypass/backend/internal/dbus"
	"github.com/b0bbywan/go-portal-bypass/cache"
	"github.com/b0bbywan/go-portal-bypass/logger"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

type propKey struct {
	dest  string
	iface string
	name  string
}

// Connector hands out forwarding clients that share one bus connection and
// one property cache.
type Connector struct {
	conn    *dbus.Conn
	timeout time.Duration
	props   *cache.Cache[propKey, dbus.Variant]
}

// NewConnector returns a Connector. propertyTTL <= 0 disables the property
// cache.
func NewConnector(conn *dbus.Conn, timeout, propertyTTL time.Duration) *Connector {
	c := &Connector{conn: conn, timeout: timeout}
	if propertyTTL > 0 {
		c.props = cache.New[propKey, dbus.Variant](propertyTTL)
	}
	return c
}

// Reset drops every cached property value. Values cached for one bus
// connection are meaningless on the next.
func (c *Connector) Reset() {
	if c.props != nil {
		c.props.Clear()
	}
}

// Resolve validates the destination and returns a client for it. It does no
// I/O; an absent destination shows up as a failed forwarded call.
func (c *Connector) Resolve(family portal.Family, mode portal.Mode) (portal.Remote, error) {
	if mode.Kind != portal.ModeProxy {
		return nil, &ResolveError{Destination: mode.Destination, Reason: "not a proxy mode"}
	}
	iface := family.Interface()
	if iface == "" {
		return nil, &ResolveError{Destination: mode.Destination, Reason: "unknown interface " + family.String()}
	}
	if mode.Destination == "" {
		return nil, &ResolveError{Reason: "empty destination"}
	}
	path := dbus.ObjectPath(mode.Path)
	if !path.IsValid() {
		return nil, &ResolveError{Destination: mode.Destination, Reason: fmt.Sprintf("invalid object path %q", mode.Path)}
	}
	if c.conn == nil || !c.conn.Connected() {
		return nil, &ResolveError{Destination: mode.Destination, Reason: "bus connection closed"}
	}
	return &Client{
		conn:    c.conn,
		obj:     c.conn.Object(mode.Destination, path),
		dest:    mode.Destination,
		iface:   iface,
		timeout: c.timeout,
		props:   c.props,
	}, nil
}

// Client forwards one portal interface to a destination backend. Every call
// is bounded by the connector timeout.
type Client struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	dest    string
	iface   string
	timeout time.Duration
	props   *cache.Cache[propKey, dbus.Variant]
}

var _ portal.Remote = (*Client)(nil)

func (c *Client) method(name string) string {
	return c.iface + "." + name
}

func (c *Client) request(ctx context.Context, name string, args ...interface{}) (uint32, map[string]dbus.Variant, error) {
	var (
		status  uint32
		results map[string]dbus.Variant
	)
	call := idbus.Call(ctx, c.obj, c.timeout, c.method(name), args...)
	if call.Err != nil {
		return 0, nil, call.Err
	}
	if err := call.Store(&status, &results); err != nil {
		return 0, nil, fmt.Errorf("%s reply: %w", c.method(name), err)
	}
	logger.Debug("[forward] %s -> %s status=%d results=%v", c.method(name), c.dest, status, idbus.Keys(results))
	return status, results, nil
}

func (c *Client) CreateSession(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return c.request(ctx, "CreateSession", handle, session, appID, options(opts))
}

func (c *Client) SelectDevices(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return c.request(ctx, "SelectDevices", handle, session, appID, options(opts))
}

func (c *Client) SelectSources(ctx context.Context, handle, session dbus.ObjectPath, appID string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return c.request(ctx, "SelectSources", handle, session, appID, options(opts))
}

func (c *Client) Start(ctx context.Context, handle, session dbus.ObjectPath, appID, parentWindow string, opts map[string]dbus.Variant) (uint32, map[string]dbus.Variant, error) {
	return c.request(ctx, "Start", handle, session, appID, parentWindow, options(opts))
}

// Notify forwards a Notify* member; args follow session and options.
func (c *Client) Notify(ctx context.Context, member string, session dbus.ObjectPath, opts map[string]dbus.Variant, args ...interface{}) error {
	body := append([]interface{}{session, options(opts)}, args...)
	return idbus.Call(ctx, c.obj, c.timeout, c.method(member), body...).Err
}

// OpenPipeWireRemote returns the received descriptor as an owned file.
func (c *Client) OpenPipeWireRemote(ctx context.Context, session dbus.ObjectPath, opts map[string]dbus.Variant) (*os.File, error) {
	var fd dbus.UnixFD
	call := idbus.Call(ctx, c.obj, c.timeout, c.method("OpenPipeWireRemote"), session, options(opts))
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&fd); err != nil {
		return nil, fmt.Errorf("%s reply: %w", c.method("OpenPipeWireRemote"), err)
	}
	if fd < 0 {
		return nil, fmt.Errorf("%s: invalid descriptor %d", c.method("OpenPipeWireRemote"), fd)
	}
	return os.NewFile(uintptr(fd), "pipewire-remote"), nil
}

// Property reads a property of the forwarded interface, through the cache
// when enabled.
func (c *Client) Property(ctx context.Context, name string) (dbus.Variant, error) {
	load := func() (dbus.Variant, error) {
		return idbus.GetProperty(ctx, c.obj, c.timeout, c.iface, name)
	}
	if c.props == nil {
		return load()
	}
	return c.props.Load(propKey{dest: c.dest, iface: c.iface, name: name}, load)
}

// CloseSession calls Close on the remote session object.
func (c *Client) CloseSession(ctx context.Context, session dbus.ObjectPath) error {
	obj := c.conn.Object(c.dest, session)
	return idbus.Call(ctx, obj, c.timeout, portal.SessionInterface+".Close").Err
}

// options never sends a nil map, which would not marshal as a{sv}.
func options(opts map[string]dbus.Variant) map[string]dbus.Variant {
	if opts == nil {
		return map[string]dbus.Variant{}
	}
	return opts
}

// ResolveError means no client could be built for a destination.
type ResolveError struct {
	Destination string
	Reason      string
}

func (e *ResolveError) Error() string {
	if e.Destination == "" {
		return "forward: " + e.Reason
	}
	return fmt.Sprintf("forward to %s: %s", e.Destination, e.Reason)
}

var _ error = (*ResolveError)(nil)
