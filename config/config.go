package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/b0bbywan/go-portal-bypass/logger"
)

const (
	AppName    = "portal-bypass"
	AppVersion = "0.1.0"
	envPrefix  = "PORTAL_BYPASS"

	DefaultBusName     = "org.freedesktop.impl.portal.desktop.bypass"
	DefaultObjectPath  = "/org/freedesktop/portal/desktop"
	DefaultDestination = "org.freedesktop.impl.portal.desktop.gnome"
	DefaultDeviceName  = "xdg-desktop-portal-bypass virtual input device"
)

// Mode selects how one portal interface is served.
type Mode string

const (
	ModeServer   Mode = "server"
	ModeProxy    Mode = "proxy"
	ModeDisabled Mode = "disabled"
)

type Config struct {
	Bus           *BusConfig
	RemoteDesktop *InterfaceConfig
	ScreenCast    *InterfaceConfig
	Proxy         *ProxyConfig
	Server        *ServerConfig
	Dispatcher    *DispatcherConfig
	Api           *ApiConfig
	LogLevel      logger.Level
	PackageLevels map[string]logger.Level

	v       *viper.Viper
	watched *Config
}

type BusConfig struct {
	Name   string
	Path   string
	System bool
}

type InterfaceConfig struct {
	Mode Mode
}

func (c *InterfaceConfig) Enabled() bool {
	return c != nil && c.Mode != ModeDisabled
}

type ProxyConfig struct {
	Destination   string
	Path          string
	Timeout       time.Duration
	PropertyCache time.Duration
}

type ServerConfig struct {
	DeviceName string
}

type DispatcherConfig struct {
	QueueSize int
	MaxTasks  int
	Backlog   int
}

type ApiConfig struct {
	Enabled bool
	Listen  string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("loglevel", "WARN")
	v.SetDefault("log.packages", map[string]string{})

	v.SetDefault("bus.name", DefaultBusName)
	v.SetDefault("bus.path", DefaultObjectPath)
	v.SetDefault("bus.system", false)

	v.SetDefault("remotedesktop.mode", string(ModeServer))
	v.SetDefault("screencast.mode", string(ModeDisabled))

	v.SetDefault("proxy.destination", DefaultDestination)
	v.SetDefault("proxy.path", DefaultObjectPath)
	v.SetDefault("proxy.timeout", "60s")
	v.SetDefault("proxy.property_cache", "30s")

	v.SetDefault("server.device_name", DefaultDeviceName)

	v.SetDefault("dispatcher.queue", 64)
	v.SetDefault("dispatcher.max_tasks", 256)
	v.SetDefault("dispatcher.backlog", 1024)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen", "127.0.0.1:8018")
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(AppName, pflag.ContinueOnError)
	fs.String("config", "", "path to a config file")
	fs.String("mode", "", "remote desktop mode: server or proxy")
	fs.String("destination", "", "bus name of the backend to forward to in proxy mode")
	fs.String("log-level", "", "DEBUG, INFO, WARN, ERROR or FATAL")
	return fs
}

// New loads the configuration from defaults, config files, PORTAL_BYPASS_*
// environment variables and args, in increasing priority.
func New(args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for key, flag := range map[string]string{
		"remotedesktop.mode": "mode",
		"proxy.destination":  "destination",
		"loglevel":           "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")                       // name of config file (without extension)
		v.SetConfigType("yaml")                         // config file format
		v.AddConfigPath(filepath.Join("/etc", AppName)) // Global configuration path
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", AppName)) // User config path
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional, continue with defaults if not found
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := load(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	return cfg, nil
}

func load(v *viper.Viper) (*Config, error) {
	rd := Mode(strings.ToLower(v.GetString("remotedesktop.mode")))
	if rd != ModeServer && rd != ModeProxy && rd != ModeDisabled {
		return nil, &ValidationError{Key: "remotedesktop.mode", Value: string(rd), Reason: "want server, proxy or disabled"}
	}
	sc := Mode(strings.ToLower(v.GetString("screencast.mode")))
	if sc != ModeProxy && sc != ModeDisabled {
		return nil, &ValidationError{Key: "screencast.mode", Value: string(sc), Reason: "screen cast can only be proxied or disabled"}
	}

	bus := BusConfig{
		Name:   v.GetString("bus.name"),
		Path:   v.GetString("bus.path"),
		System: v.GetBool("bus.system"),
	}
	if !validBusName(bus.Name) {
		return nil, &ValidationError{Key: "bus.name", Value: bus.Name, Reason: "not a well-known bus name"}
	}
	if !dbus.ObjectPath(bus.Path).IsValid() {
		return nil, &ValidationError{Key: "bus.path", Value: bus.Path, Reason: "not an object path"}
	}

	proxy := ProxyConfig{
		Destination:   v.GetString("proxy.destination"),
		Path:          v.GetString("proxy.path"),
		Timeout:       v.GetDuration("proxy.timeout"),
		PropertyCache: v.GetDuration("proxy.property_cache"),
	}
	if rd == ModeProxy || sc == ModeProxy {
		if !validBusName(proxy.Destination) {
			return nil, &ValidationError{Key: "proxy.destination", Value: proxy.Destination, Reason: "not a well-known bus name"}
		}
		if proxy.Destination == bus.Name {
			return nil, &ValidationError{Key: "proxy.destination", Value: proxy.Destination, Reason: "cannot forward to ourselves"}
		}
		if !dbus.ObjectPath(proxy.Path).IsValid() {
			return nil, &ValidationError{Key: "proxy.path", Value: proxy.Path, Reason: "not an object path"}
		}
	}
	if proxy.Timeout <= 0 {
		proxy.Timeout = 60 * time.Second
	}
	if proxy.PropertyCache < 0 {
		proxy.PropertyCache = 0
	}

	dispatcher := DispatcherConfig{
		QueueSize: v.GetInt("dispatcher.queue"),
		MaxTasks:  v.GetInt("dispatcher.max_tasks"),
		Backlog:   v.GetInt("dispatcher.backlog"),
	}
	if dispatcher.QueueSize <= 0 {
		return nil, &ValidationError{Key: "dispatcher.queue", Value: fmt.Sprint(dispatcher.QueueSize), Reason: "must be positive"}
	}
	if dispatcher.MaxTasks <= 0 {
		return nil, &ValidationError{Key: "dispatcher.max_tasks", Value: fmt.Sprint(dispatcher.MaxTasks), Reason: "must be positive"}
	}
	if dispatcher.Backlog <= 0 {
		return nil, &ValidationError{Key: "dispatcher.backlog", Value: fmt.Sprint(dispatcher.Backlog), Reason: "must be positive"}
	}

	api := ApiConfig{
		Enabled: v.GetBool("api.enabled"),
		Listen:  v.GetString("api.listen"),
	}
	if api.Enabled {
		if _, _, err := net.SplitHostPort(api.Listen); err != nil {
			return nil, &ValidationError{Key: "api.listen", Value: api.Listen, Reason: err.Error()}
		}
	}

	deviceName := v.GetString("server.device_name")
	if deviceName == "" {
		deviceName = DefaultDeviceName
	}

	cfg := Config{
		Bus:           &bus,
		RemoteDesktop: &InterfaceConfig{Mode: rd},
		ScreenCast:    &InterfaceConfig{Mode: sc},
		Proxy:         &proxy,
		Server:        &ServerConfig{DeviceName: deviceName},
		Dispatcher:    &dispatcher,
		Api:           &api,
		LogLevel:      logger.ParseLevel(v.GetString("loglevel")),
		PackageLevels: packageLevels(v.GetStringMapString("log.packages")),
	}
	if !cfg.RemoteDesktop.Enabled() && !cfg.ScreenCast.Enabled() {
		return nil, &ValidationError{Key: "remotedesktop.mode", Value: string(rd), Reason: "nothing left to serve"}
	}
	return &cfg, nil
}

func packageLevels(raw map[string]string) map[string]logger.Level {
	levels := make(map[string]logger.Level, len(raw))
	for pkg, level := range raw {
		levels[strings.ToLower(pkg)] = logger.ParseLevel(level)
	}
	return levels
}

// validBusName checks the D-Bus rules for well-known bus names.
func validBusName(name string) bool {
	if len(name) == 0 || len(name) > 255 || name[0] == ':' {
		return false
	}
	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return false
	}
	for _, e := range elements {
		if e == "" || (e[0] >= '0' && e[0] <= '9') {
			return false
		}
		for _, r := range e {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Apply pushes the log settings to the global logger.
func (c *Config) Apply() {
	logger.SetLevel(c.LogLevel)
	logger.SetPackageLevels(c.PackageLevels)
}

// Watch reloads the config file on change. Log levels apply live; mode and
// bus settings only take effect after a restart.
func (c *Config) Watch() {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		logger.Debug("[config] no config file, not watching")
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := load(c.v)
		if err != nil {
			logger.Warn("[config] ignoring invalid change to %s: %v", e.Name, err)
			return
		}
		c.reload(next)
	})
	c.v.WatchConfig()
	logger.Info("[config] watching %s", c.v.ConfigFileUsed())
}

// reload applies the live parts of next and keeps it as the reference for
// the following change. It reports whether next changes restart-only
// settings compared with the previous file state.
func (c *Config) reload(next *Config) bool {
	if next.LogLevel != c.LogLevel {
		logger.Info("[config] log level %s -> %s", c.LogLevel, next.LogLevel)
	}
	next.Apply()
	c.LogLevel = next.LogLevel
	c.PackageLevels = next.PackageLevels

	prev := c.watched
	if prev == nil {
		prev = c
	}
	c.watched = next
	if *next.RemoteDesktop != *prev.RemoteDesktop || *next.ScreenCast != *prev.ScreenCast ||
		*next.Proxy != *prev.Proxy || *next.Bus != *prev.Bus {
		logger.Warn("[config] mode, proxy and bus changes are ignored until restart")
		return true
	}
	return false
}

// ValidationError reports an unusable configuration value.
type ValidationError struct {
	Key    string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config %s=%q: %s", e.Key, e.Value, e.Reason)
}

var _ error = (*ValidationError)(nil)
