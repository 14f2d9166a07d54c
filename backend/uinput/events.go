package uinput

import (
	"fmt"

	"github.com/holoplot/go-evdev"
)

// Event is a single kernel input event, without the trailing SYN_REPORT.
type Event struct {
	Type  evdev.EvType
	Code  evdev.EvCode
	Value int32
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s %d", evdev.TypeName(e.Type), evdev.CodeName(e.Type, e.Code), e.Value)
}

func rel(code evdev.EvCode, value int32) Event {
	return Event{Type: evdev.EV_REL, Code: code, Value: value}
}

func abs(code evdev.EvCode, value int32) Event {
	return Event{Type: evdev.EV_ABS, Code: code, Value: value}
}

func key(code evdev.EvCode, state uint32) Event {
	return Event{Type: evdev.EV_KEY, Code: code, Value: int32(state)}
}

// PointerMotion truncates the deltas toward zero.
func PointerMotion(dx, dy float64) []Event {
	return []Event{
		rel(evdev.REL_X, int32(dx)),
		rel(evdev.REL_Y, int32(dy)),
	}
}

func PointerMotionAbsolute(x, y float64) []Event {
	return []Event{
		abs(evdev.ABS_X, int32(x)),
		abs(evdev.ABS_Y, int32(y)),
	}
}

// PointerButton maps portal buttons 1/2/3 to BTN_LEFT/BTN_RIGHT/BTN_MIDDLE.
// Any other value is taken as a raw evdev code.
func PointerButton(button int32, state uint32) []Event {
	return []Event{key(buttonCode(button), state)}
}

func buttonCode(button int32) evdev.EvCode {
	switch button {
	case ButtonLeft:
		return evdev.BTN_LEFT
	case ButtonRight:
		return evdev.BTN_RIGHT
	case ButtonMiddle:
		return evdev.BTN_MIDDLE
	default:
		return evdev.EvCode(button)
	}
}

// PointerAxis emits REL_WHEEL for dx and REL_HWHEEL for dy, skipping zero deltas.
func PointerAxis(dx, dy float64) []Event {
	var events []Event
	if v := int32(dx); v != 0 {
		events = append(events, rel(evdev.REL_WHEEL, v))
	}
	if v := int32(dy); v != 0 {
		events = append(events, rel(evdev.REL_HWHEEL, v))
	}
	return events
}

func PointerAxisDiscrete(axis uint32, steps int32) []Event {
	if axis == AxisVertical {
		return []Event{rel(evdev.REL_WHEEL, steps)}
	}
	return []Event{rel(evdev.REL_HWHEEL, steps)}
}

func KeyboardKeycode(keycode int32, state uint32) []Event {
	return []Event{key(evdev.EvCode(keycode), state)}
}
