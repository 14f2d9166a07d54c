package backend

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/b0bbywan/go-portal-bypass/backend/uinput"
	"github.com/b0bbywan/go-portal-bypass/config"
	"github.com/b0bbywan/go-portal-bypass/logger"
	"github.com/b0bbywan/go-portal-bypass/portal"
)

const (
	UNKNOWN         = "unknown"
	OS_RELEASE_FILE = "/etc/os-release"
)

var osVersion string

type ServerDeviceInfo struct {
	Hostname   string            `json:"hostname"`
	OSPlatform string            `json:"os_platform"`
	OSVersion  string            `json:"os_version"`
	APISW      string            `json:"api_sw"`
	APIVersion string            `json:"api_version"`
	Bus        BusInfo           `json:"bus"`
	Interfaces map[string]string `json:"interfaces"`
	Uinput     bool              `json:"uinput"`
}

type BusInfo struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	System bool   `json:"system"`
}

func init() {
	osVersion = readOSRelease()
}

func parseKeyValue(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"`)
	}

	return out, scanner.Err()
}

func readOSRelease() string {
	file, err := os.Open(OS_RELEASE_FILE)
	if err != nil {
		return UNKNOWN
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warn("[backend] failed to close %s: %v", OS_RELEASE_FILE, err)
		}
	}()

	var content map[string]string
	content, err = parseKeyValue(file)
	if err != nil {
		logger.Debug("[backend] failed to parse %s: %v", OS_RELEASE_FILE, err)
	}

	switch {
	case content["PRETTY_NAME"] != "":
		return content["PRETTY_NAME"]
	case content["NAME"] != "":
		return content["NAME"]
	default:
		return UNKNOWN
	}
}

func (b *Backend) GetServerDeviceInfo() (ServerDeviceInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		logger.Debug("[backend] failed to get hostname: %v", err)
		hostname = UNKNOWN
	}

	info := ServerDeviceInfo{
		Hostname:   hostname,
		OSPlatform: runtime.GOOS + "/" + runtime.GOARCH,
		OSVersion:  osVersion,
		APISW:      config.AppName,
		APIVersion: config.AppVersion,
		Interfaces: map[string]string{},
		Uinput:     uinput.Accessible() == nil,
	}
	if b.cfg != nil {
		info.Bus = BusInfo{Name: b.cfg.Bus.Name, Path: b.cfg.Bus.Path, System: b.cfg.Bus.System}
	}
	if b.Dispatcher != nil {
		for family, mode := range b.Dispatcher.Modes() {
			info.Interfaces[family.String()] = mode.String()
		}
	}
	for _, f := range []portal.Family{portal.RemoteDesktop, portal.ScreenCast} {
		if _, ok := info.Interfaces[f.String()]; !ok {
			info.Interfaces[f.String()] = string(config.ModeDisabled)
		}
	}
	return info, nil
}
