package portal

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-portal-bypass/backend/uinput"
	"github.com/b0bbywan/go-portal-bypass/logger"
)

type serverState int

const (
	stateUnselected serverState = iota
	stateDeviceTypesSelected
	stateDeviceActive
	stateClosed
)

func (s serverState) String() string {
	switch s {
	case stateUnselected:
		return "unselected"
	case stateDeviceTypesSelected:
		return "device-types-selected"
	case stateDeviceActive:
		return "device-active"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("serverState(%d)", int(s))
	}
}

// serverHandler emulates input locally through a virtual device. It only
// runs on the dispatcher goroutine, so it needs no locking.
type serverHandler struct {
	session dbus.ObjectPath
	current serverState
	types   uinput.DeviceType
	device  uinput.Device
	devices DeviceFactory
}

func newServerHandler(session dbus.ObjectPath, devices DeviceFactory) *serverHandler {
	return &serverHandler{session: session, devices: devices}
}

func (h *serverHandler) family() Family { return RemoteDesktop }
func (h *serverHandler) state() string  { return h.current.String() }
func (h *serverHandler) sealed()        {}

// handle runs op synchronously and returns its reply.
func (h *serverHandler) handle(req *Request) Reply {
	if req.Family != RemoteDesktop {
		return Failure(&ProtocolError{Family: req.Family, Op: req.Op.Name(), Reason: "server mode only serves RemoteDesktop"})
	}
	switch op := req.Op.(type) {
	case CreateSession:
		return Success(nil)
	case SelectDevices:
		return h.selectDevices(op)
	case Start:
		return h.start()
	case NotifyPointerMotion:
		return h.notify(op.Name(), uinput.DevicePointer, uinput.PointerMotion(op.DX, op.DY))
	case NotifyPointerMotionAbsolute:
		return h.notify(op.Name(), uinput.DevicePointer, uinput.PointerMotionAbsolute(op.X, op.Y))
	case NotifyPointerButton:
		return h.notify(op.Name(), uinput.DevicePointer, uinput.PointerButton(op.Button, op.State))
	case NotifyPointerAxis:
		return h.notify(op.Name(), uinput.DevicePointer, uinput.PointerAxis(op.DX, op.DY))
	case NotifyPointerAxisDiscrete:
		return h.notify(op.Name(), uinput.DevicePointer, uinput.PointerAxisDiscrete(op.Axis, op.Steps))
	case NotifyKeyboardKeycode:
		return h.notify(op.Name(), uinput.DeviceKeyboard, uinput.KeyboardKeycode(op.Keycode, op.State))
	case NotifyKeyboardKeysym:
		return Failure(ErrKeysym)
	case GetProperty:
		return serverProperty(op.Property)
	case CloseSession:
		h.close()
		return Success(nil)
	default:
		return Failure(&ProtocolError{Family: RemoteDesktop, Op: op.Name(), Reason: "not supported in server mode"})
	}
}

func (h *serverHandler) selectDevices(op SelectDevices) Reply {
	// An accepted selection is immutable.
	if h.current != stateUnselected {
		return Failure(&StateError{Op: op.Name(), State: h.current.String()})
	}
	types, err := deviceTypes(op.Opts)
	if err != nil {
		return Failure(err)
	}
	h.types = types
	h.current = stateDeviceTypesSelected
	logger.Debug("[server] %s selected device types %d", h.session, types)
	return Success(nil)
}

// deviceTypes reads and validates the "types" option.
func deviceTypes(opts Options) (uinput.DeviceType, error) {
	v, ok := opts["types"]
	if !ok {
		return 0, &ValidationError{Field: "types", Message: "missing"}
	}
	raw, ok := v.Value().(uint32)
	if !ok {
		return 0, &ValidationError{Field: "types", Message: fmt.Sprintf("expected uint32, got %s", v.Signature())}
	}
	if uinput.DeviceType(raw)&^uinput.SupportedDeviceTypes != 0 {
		return 0, &ValidationError{Field: "types", Message: fmt.Sprintf("%d not supported, available %d", raw, uint32(uinput.SupportedDeviceTypes))}
	}
	return uinput.DeviceType(raw), nil
}

func (h *serverHandler) start() Reply {
	switch h.current {
	case stateUnselected:
		return Failure(ErrNoDeviceTypes)
	case stateDeviceTypesSelected:
	default:
		return Failure(&StateError{Op: "Start", State: h.current.String()})
	}
	dev, err := h.devices.Build(uint32(h.types))
	if err != nil {
		logger.Warn("[server] %s: %v", h.session, err)
		return Failure(err)
	}
	h.device = dev
	h.current = stateDeviceActive
	logger.Info("[server] %s started with device types %d", h.session, h.types)
	return Success(nil)
}

// notify injects events when the device is active and the capability was
// selected. Anything else is dropped; the caller still gets an ack.
func (h *serverHandler) notify(name string, need uinput.DeviceType, events []uinput.Event) Reply {
	switch {
	case h.current != stateDeviceActive:
		logger.Debug("[server] %s: %s in state %s dropped", h.session, name, h.current)
	case !h.types.Has(need):
		logger.Debug("[server] %s: %s needs device type %d, dropped", h.session, name, need)
	case len(events) == 0:
	default:
		if err := h.device.Emit(events...); err != nil {
			logger.Warn("[server] %s: %s injection failed: %v", h.session, name, err)
		}
	}
	return Success(nil)
}

func (h *serverHandler) close() {
	if h.device != nil {
		if err := h.device.Close(); err != nil {
			logger.Warn("[server] %s: failed to close device: %v", h.session, err)
		}
		h.device = nil
	}
	h.current = stateClosed
}

func serverProperty(name string) Reply {
	switch name {
	case "AvailableDeviceTypes":
		return Value(dbus.MakeVariant(uint32(uinput.SupportedDeviceTypes)))
	case "Version":
		return Value(dbus.MakeVariant(RemoteDesktopVersion))
	default:
		return Failure(&ProtocolError{Family: RemoteDesktop, Op: "GetProperty", Reason: "unknown property " + name})
	}
}
