package backend

import (
	"fmt"
	"os"
	"path/filepath"
)

// runtimeDir returns XDG_RUNTIME_DIR, or /run/user/{uid} when unset.
func runtimeDir() string {
	if dir, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && dir != "" {
		return dir
	}
	return fmt.Sprintf("/run/user/%d", os.Getuid())
}

// sessionBusAddress is the conventional user bus socket, used when the
// environment does not name one (e.g. early in a systemd user session).
func sessionBusAddress() string {
	return "unix:path=" + filepath.Join(runtimeDir(), "bus")
}
