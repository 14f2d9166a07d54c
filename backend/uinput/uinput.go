package uinput

import (
	"errors"
	"fmt"

	"github.com/holoplot/go-evdev"
	"golang.org/x/sys/unix"

	"github.com/b0bbywan/go-portal-bypass/logger"
)

// Device is a virtual input device owned by exactly one session.
type Device interface {
	// Emit writes events followed by a single SYN_REPORT.
	Emit(events ...Event) error
	Close() error
}

// Capabilities lists the event codes a virtual device advertises.
type Capabilities struct {
	Keys     []evdev.EvCode
	Relative []evdev.EvCode
}

func (c Capabilities) Empty() bool {
	return len(c.Keys) == 0 && len(c.Relative) == 0
}

// CapabilitiesFor expands a device type bitmask into code ranges: every
// standard keycode for the keyboard bit, every relative axis plus the mouse
// buttons for the pointer bit.
func CapabilitiesFor(types DeviceType) Capabilities {
	var caps Capabilities
	if types.Has(DeviceKeyboard) {
		caps.Keys = codeRange(keyFirst, keyLast)
	}
	if types.Has(DevicePointer) {
		caps.Relative = codeRange(relFirst, relLast)
		if !types.Has(DeviceKeyboard) {
			caps.Keys = codeRange(buttonFirst, buttonLast)
		}
	}
	return caps
}

func codeRange(first, last evdev.EvCode) []evdev.EvCode {
	codes := make([]evdev.EvCode, 0, int(last-first)+1)
	for c := first; c <= last; c++ {
		codes = append(codes, c)
	}
	return codes
}

// UnsupportedTypesError is returned for bitmasks outside SupportedDeviceTypes.
type UnsupportedTypesError struct {
	Types uint32
}

func (e *UnsupportedTypesError) Error() string {
	return fmt.Sprintf("unsupported device types %d (supported: %d)", e.Types, uint32(SupportedDeviceTypes))
}

// BuildError wraps a failure to create the kernel device.
type BuildError struct {
	Name string
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("create virtual device %q: %v", e.Name, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

var (
	_ error = (*UnsupportedTypesError)(nil)
	_ error = (*BuildError)(nil)
)

type createFunc func(name string, caps Capabilities) (Device, error)

// Manager builds virtual devices for sessions that reach Start.
type Manager struct {
	name   string
	create createFunc
}

func NewManager(name string) *Manager {
	return &Manager{name: name, create: createEvdevDevice}
}

// Build validates the bitmask and creates a device advertising exactly
// CapabilitiesFor(types).
func (m *Manager) Build(types uint32) (Device, error) {
	if DeviceType(types)&^SupportedDeviceTypes != 0 {
		return nil, &UnsupportedTypesError{Types: types}
	}
	caps := CapabilitiesFor(DeviceType(types))
	if caps.Empty() {
		return nil, &UnsupportedTypesError{Types: types}
	}
	dev, err := m.create(m.name, caps)
	if err != nil {
		return nil, &BuildError{Name: m.name, Err: err}
	}
	logger.Info("[uinput] created %q (types=%d, keys=%d, rel=%d)", m.name, types, len(caps.Keys), len(caps.Relative))
	return dev, nil
}

// Accessible reports whether the current user may write to /dev/uinput.
func Accessible() error {
	if err := unix.Access(DevicePath, unix.W_OK); err != nil {
		return fmt.Errorf("%s: %w", DevicePath, err)
	}
	return nil
}

type evdevDevice struct {
	dev *evdev.InputDevice
}

func createEvdevDevice(name string, caps Capabilities) (Device, error) {
	capabilities := map[evdev.EvType][]evdev.EvCode{}
	if len(caps.Keys) > 0 {
		capabilities[evdev.EV_KEY] = caps.Keys
	}
	if len(caps.Relative) > 0 {
		capabilities[evdev.EV_REL] = caps.Relative
	}
	dev, err := evdev.CreateDevice(name, deviceID, capabilities)
	if err != nil {
		return nil, err
	}
	return &evdevDevice{dev: dev}, nil
}

func (d *evdevDevice) Emit(events ...Event) error {
	errs := make([]error, 0, len(events)+1)
	for _, ev := range events {
		errs = append(errs, d.dev.WriteOne(&evdev.InputEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value}))
	}
	errs = append(errs, d.dev.WriteOne(&evdev.InputEvent{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT}))
	return errors.Join(errs...)
}

func (d *evdevDevice) Close() error {
	return d.dev.Close()
}
