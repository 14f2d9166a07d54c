package portal

import "fmt"

const (
	RemoteDesktopInterface = "org.freedesktop.impl.portal.RemoteDesktop"
	ScreenCastInterface    = "org.freedesktop.impl.portal.ScreenCast"
	SessionInterface       = "org.freedesktop.impl.portal.Session"
)

// Response codes of the portal Request protocol.
const (
	StatusSuccess   uint32 = 0
	StatusCancelled uint32 = 1
	StatusFailed    uint32 = 2
)

// RemoteDesktopVersion is the Version property advertised in server mode.
const RemoteDesktopVersion uint32 = 1

// Family is the portal interface a session belongs to.
type Family int

const (
	RemoteDesktop Family = iota + 1
	ScreenCast
)

func (f Family) String() string {
	switch f {
	case RemoteDesktop:
		return "RemoteDesktop"
	case ScreenCast:
		return "ScreenCast"
	default:
		return fmt.Sprintf("Family(%d)", int(f))
	}
}

// Interface returns the D-Bus interface name served for this family.
func (f Family) Interface() string {
	switch f {
	case RemoteDesktop:
		return RemoteDesktopInterface
	case ScreenCast:
		return ScreenCastInterface
	default:
		return ""
	}
}

// FamilyForInterface is the inverse of Family.Interface.
func FamilyForInterface(iface string) (Family, bool) {
	switch iface {
	case RemoteDesktopInterface:
		return RemoteDesktop, true
	case ScreenCastInterface:
		return ScreenCast, true
	default:
		return 0, false
	}
}

type ModeKind int

const (
	ModeServer ModeKind = iota
	ModeProxy
)

func (k ModeKind) String() string {
	if k == ModeProxy {
		return "proxy"
	}
	return "server"
}

// Mode selects how sessions of one family are served. It is fixed for the
// lifetime of a Dispatcher.
type Mode struct {
	Kind        ModeKind
	Destination string
	Path        string
}

func ServerMode() Mode {
	return Mode{Kind: ModeServer}
}

func ProxyMode(destination, path string) Mode {
	return Mode{Kind: ModeProxy, Destination: destination, Path: path}
}

func (m Mode) String() string {
	if m.Kind == ModeProxy {
		return fmt.Sprintf("proxy(%s %s)", m.Destination, m.Path)
	}
	return "server"
}
