package uinput

import "github.com/holoplot/go-evdev"

const DevicePath = "/dev/uinput"

// DeviceType is the remote desktop "types" bitmask.
type DeviceType uint32

const (
	DeviceKeyboard    DeviceType = 1
	DevicePointer     DeviceType = 2
	DeviceTouchscreen DeviceType = 4

	SupportedDeviceTypes = DeviceKeyboard | DevicePointer
)

func (t DeviceType) Has(other DeviceType) bool {
	return t&other == other
}

// Key and axis ranges advertised by the virtual device.
const (
	keyFirst evdev.EvCode = 0x000
	keyLast  evdev.EvCode = 0x2e6

	relFirst evdev.EvCode = 0x00
	relLast  evdev.EvCode = 0x0b

	// BTN_LEFT..BTN_TASK, so a pointer-only device still clicks.
	buttonFirst evdev.EvCode = 0x110
	buttonLast  evdev.EvCode = 0x117
)

// Portal button numbers.
const (
	ButtonLeft   int32 = 1
	ButtonRight  int32 = 2
	ButtonMiddle int32 = 3
)

// Portal axis numbers for NotifyPointerAxisDiscrete.
const (
	AxisVertical   uint32 = 0
	AxisHorizontal uint32 = 1
)

var deviceID = evdev.InputID{
	BusType: 0x06, // BUS_VIRTUAL
	Vendor:  0x1d6b,
	Product: 0x0104,
	Version: 1,
}
