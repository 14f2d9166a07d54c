package portal

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

type Options = map[string]dbus.Variant

// Request is one inbound portal call travelling from a bus goroutine to the
// dispatcher. Reply is fulfilled exactly once.
type Request struct {
	ID      string
	Family  Family
	Session dbus.ObjectPath
	Op      Operation
	Reply   *ReplySlot
}

func NewRequest(family Family, session dbus.ObjectPath, op Operation) *Request {
	return &Request{
		ID:      uuid.NewString(),
		Family:  family,
		Session: session,
		Op:      op,
		Reply:   NewReplySlot(),
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("%s.%s session=%s id=%s", r.Family, r.Op.Name(), r.Session, shortID(r.ID))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Operation is the closed set of request payloads below.
type Operation interface {
	Name() string
}

type CreateSession struct {
	Handle dbus.ObjectPath
	AppID  string
	Opts   Options
}

type SelectDevices struct {
	Handle dbus.ObjectPath
	AppID  string
	Opts   Options
}

type SelectSources struct {
	Handle dbus.ObjectPath
	AppID  string
	Opts   Options
}

type Start struct {
	Handle       dbus.ObjectPath
	AppID        string
	ParentWindow string
	Opts         Options
}

type NotifyPointerMotion struct {
	Opts   Options
	DX, DY float64
}

type NotifyPointerMotionAbsolute struct {
	Opts   Options
	Stream uint32
	X, Y   float64
}

type NotifyPointerButton struct {
	Opts   Options
	Button int32
	State  uint32
}

type NotifyPointerAxis struct {
	Opts   Options
	DX, DY float64
}

type NotifyPointerAxisDiscrete struct {
	Opts  Options
	Axis  uint32
	Steps int32
}

type NotifyKeyboardKeycode struct {
	Opts    Options
	Keycode int32
	State   uint32
}

type NotifyKeyboardKeysym struct {
	Opts   Options
	Keysym int32
	State  uint32
}

type OpenPipeWireRemote struct {
	Opts Options
}

// GetProperty reads a property of the family interface. It needs no session.
type GetProperty struct {
	Property string
}

type CloseSession struct{}

// listSessions snapshots the session table for the status API.
type listSessions struct {
	out chan []SessionInfo
}

// forgetSession drops a proxy row whose remote CreateSession failed, so the
// next CreateSession on that path constructs again. The failed reply is only
// delivered once the row is gone.
type forgetSession struct {
	handler *proxyHandler
	req     *Request
	reply   Reply
}

func (CreateSession) Name() string               { return "CreateSession" }
func (SelectDevices) Name() string               { return "SelectDevices" }
func (SelectSources) Name() string               { return "SelectSources" }
func (Start) Name() string                       { return "Start" }
func (NotifyPointerMotion) Name() string         { return "NotifyPointerMotion" }
func (NotifyPointerMotionAbsolute) Name() string { return "NotifyPointerMotionAbsolute" }
func (NotifyPointerButton) Name() string         { return "NotifyPointerButton" }
func (NotifyPointerAxis) Name() string           { return "NotifyPointerAxis" }
func (NotifyPointerAxisDiscrete) Name() string   { return "NotifyPointerAxisDiscrete" }
func (NotifyKeyboardKeycode) Name() string       { return "NotifyKeyboardKeycode" }
func (NotifyKeyboardKeysym) Name() string        { return "NotifyKeyboardKeysym" }
func (OpenPipeWireRemote) Name() string          { return "OpenPipeWireRemote" }
func (GetProperty) Name() string                 { return "GetProperty" }
func (CloseSession) Name() string                { return "Close" }
func (listSessions) Name() string                { return "ListSessions" }
func (forgetSession) Name() string               { return "ForgetSession" }

// IsNotification reports whether op is a one-way input notification whose
// reply is only an acknowledgement.
func IsNotification(op Operation) bool {
	switch op.(type) {
	case NotifyPointerMotion, NotifyPointerMotionAbsolute, NotifyPointerButton,
		NotifyPointerAxis, NotifyPointerAxisDiscrete, NotifyKeyboardKeycode:
		return true
	}
	return false
}

// checkFamily rejects operations that do not exist on the family interface.
func checkFamily(family Family, op Operation) error {
	switch op.(type) {
	case CreateSession, Start, GetProperty, CloseSession, listSessions, forgetSession:
		return nil
	case SelectSources, OpenPipeWireRemote:
		if family == ScreenCast {
			return nil
		}
	default:
		if family == RemoteDesktop {
			return nil
		}
	}
	return &ProtocolError{Family: family, Op: op.Name(), Reason: "operation not part of interface"}
}
