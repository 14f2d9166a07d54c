package portal

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/logger"
)

// proxyHandler relays every request of its session to another portal
// backend. forward runs on scheduler goroutines and only reads the handler's
// immutable fields. Session handlers own an outbox drained by one worker;
// the throwaway handlers of property reads have none.
type proxyHandler struct {
	fam     Family
	session dbus.ObjectPath
	mode    Mode
	remote  Remote
	outbox  *outbox
}

func newProxyHandler(family Family, session dbus.ObjectPath, mode Mode, remote Remote) *proxyHandler {
	return &proxyHandler{fam: family, session: session, mode: mode, remote: remote}
}

func (h *proxyHandler) family() Family { return h.fam }
func (h *proxyHandler) sealed()        {}

func (h *proxyHandler) state() string {
	if h.outbox != nil {
		if n := h.outbox.len(); n > 0 {
			return fmt.Sprintf("proxied to %s, %d queued", h.mode.Destination, n)
		}
	}
	return "proxied to " + h.mode.Destination
}

// forward issues the remote call for req. Remote failures and panics become
// failure replies, so the caller's slot is always fulfilled.
func (h *proxyHandler) forward(ctx context.Context, req *Request) (reply Reply) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[proxy] %s panicked: %v", req, r)
			reply = Failure(fmt.Errorf("internal error: %v", r))
		}
	}()

	switch op := req.Op.(type) {
	case CreateSession:
		return standard(h.remote.CreateSession(ctx, op.Handle, req.Session, op.AppID, op.Opts))
	case SelectDevices:
		return standard(h.remote.SelectDevices(ctx, op.Handle, req.Session, op.AppID, op.Opts))
	case SelectSources:
		return standard(h.remote.SelectSources(ctx, op.Handle, req.Session, op.AppID, op.Opts))
	case Start:
		return standard(h.remote.Start(ctx, op.Handle, req.Session, op.AppID, op.ParentWindow, op.Opts))
	case NotifyPointerMotion:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.DX, op.DY))
	case NotifyPointerMotionAbsolute:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.Stream, op.X, op.Y))
	case NotifyPointerButton:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.Button, op.State))
	case NotifyPointerAxis:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.DX, op.DY))
	case NotifyPointerAxisDiscrete:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.Axis, op.Steps))
	case NotifyKeyboardKeycode:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.Keycode, op.State))
	case NotifyKeyboardKeysym:
		return ack(h.remote.Notify(ctx, op.Name(), req.Session, op.Opts, op.Keysym, op.State))
	case OpenPipeWireRemote:
		f, err := h.remote.OpenPipeWireRemote(ctx, req.Session, op.Opts)
		if err != nil {
			return Failure(err)
		}
		return FileReply(f)
	case GetProperty:
		v, err := h.remote.Property(ctx, op.Property)
		if err != nil {
			return Failure(err)
		}
		return Value(v)
	case CloseSession:
		return ack(h.remote.CloseSession(ctx, req.Session))
	default:
		return Failure(&ProtocolError{Family: h.fam, Op: op.Name(), Reason: "not supported in proxy mode"})
	}
}

func standard(status uint32, results map[string]dbus.Variant, err error) Reply {
	if err != nil {
		return Failure(err)
	}
	return Standard(status, results)
}

func ack(err error) Reply {
	if err != nil {
		return Failure(err)
	}
	return Success(nil)
}
