package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haloapp/sentinel/internal/logger"
	"github.com/spf13/viper"
)

// Well-known file names under the data directory.
const (
	SettingsFileName = "settings.json"
	RegistryFileName = "health-registry.json"
	JournalFileName  = "health-journal.db"
	PolicyFileName   = "health-policy.yaml"
	LogsDirName      = "logs"

	defaultDirName = ".halo"
)

// Default service ports and the scan range around them.
const (
	DefaultPortStart   = 8750
	DefaultPortEnd     = 8760
	DefaultRouterPort  = 8751
	DefaultGatewayPort = 8752
)

// ServiceConfig names one local HTTP service whose health endpoint is probed.
type ServiceConfig struct {
	Name string `toml:"name" mapstructure:"name"`
	Port int    `toml:"port" mapstructure:"port"`
	Path string `toml:"path" mapstructure:"path"`
}

// URL returns the loopback health URL for the service.
func (s ServiceConfig) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port, s.Path)
}

// PortsConfig is the inclusive local port range scanned by the port probe.
type PortsConfig struct {
	Start int `toml:"start" mapstructure:"start"`
	End   int `toml:"end" mapstructure:"end"`
}

// CheckerConfig tunes the runtime checker. PollInterval is the fallback
// polling cadence; the settings watcher is the primary, event-driven path.
type CheckerConfig struct {
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	WatchSettings *bool         `toml:"watch_settings" mapstructure:"watch_settings"`
}

// WatchEnabled reports whether the settings-file watcher should run.
func (c CheckerConfig) WatchEnabled() bool {
	return c.WatchSettings == nil || *c.WatchSettings
}

// ServerConfig describes the local diagnostics endpoint.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// JournalConfig controls the sqlite recovery journal.
type JournalConfig struct {
	Enabled *bool  `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

// On reports whether journaling is active.
func (j JournalConfig) On() bool {
	return j.Enabled == nil || *j.Enabled
}

// RecoveryConfig points at the optional escalation policy file.
type RecoveryConfig struct {
	PolicyPath string `toml:"policy_path" mapstructure:"policy_path"`
}

// MetricsConfig controls the Prometheus collectors and the optional
// resource sampler for managed processes.
type MetricsConfig struct {
	Enabled *bool        `toml:"enabled" mapstructure:"enabled"`
	Usage   *UsageConfig `toml:"usage" mapstructure:"usage"`
}

// On reports whether the collectors should be registered.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// UsageConfig tunes per-process CPU/memory sampling.
type UsageConfig struct {
	Enabled  bool          `toml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	DataDir  string          `toml:"data_dir" mapstructure:"data_dir"`
	Log      *logger.Config  `toml:"log" mapstructure:"log"`
	Ports    *PortsConfig    `toml:"ports" mapstructure:"ports"`
	Services []ServiceConfig `toml:"services" mapstructure:"services"`
	Checker  *CheckerConfig  `toml:"checker" mapstructure:"checker"`
	Server   *ServerConfig   `toml:"server" mapstructure:"server"`
	Journal  *JournalConfig  `toml:"journal" mapstructure:"journal"`
	Recovery *RecoveryConfig `toml:"recovery" mapstructure:"recovery"`
	Metrics  *MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
}

// Default returns the built-in configuration rooted at the user's home
// directory.
func Default() FileConfig {
	var fc FileConfig
	fc.ApplyDefaults()
	return fc
}

// Load reads the sentinel TOML config at path. An empty path or a missing
// file yields the defaults; a present but malformed file is an error.
func Load(path string) (FileConfig, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return FileConfig{}, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, err
	}
	fc.ApplyDefaults()
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// ApplyDefaults fills every unset field with its built-in value. Fields the
// caller set are preserved; a partially populated FileConfig is safe to use
// afterwards.
func (fc *FileConfig) ApplyDefaults() {
	if fc.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		fc.DataDir = filepath.Join(home, defaultDirName)
	}
	if fc.Ports == nil {
		fc.Ports = &PortsConfig{}
	}
	if fc.Ports.Start == 0 && fc.Ports.End == 0 {
		fc.Ports.Start = DefaultPortStart
		fc.Ports.End = DefaultPortEnd
	}
	if fc.Services == nil {
		fc.Services = []ServiceConfig{
			{Name: "router", Port: DefaultRouterPort, Path: "/health"},
			{Name: "gateway", Port: DefaultGatewayPort, Path: "/api/health"},
		}
	}
	if fc.Checker == nil {
		fc.Checker = &CheckerConfig{}
	}
	if fc.Checker.PollInterval <= 0 {
		fc.Checker.PollInterval = time.Minute
	}
	if fc.Server == nil {
		fc.Server = &ServerConfig{}
	}
	if fc.Server.Listen == "" {
		fc.Server.Listen = "127.0.0.1:8799"
	}
	if fc.Journal == nil {
		fc.Journal = &JournalConfig{}
	}
	if fc.Journal.On() && fc.Journal.Path == "" {
		fc.Journal.Path = filepath.Join(fc.DataDir, JournalFileName)
	}
	if fc.Recovery == nil {
		fc.Recovery = &RecoveryConfig{}
	}
	if fc.Recovery.PolicyPath == "" {
		fc.Recovery.PolicyPath = filepath.Join(fc.DataDir, PolicyFileName)
	}
	if fc.Metrics == nil {
		fc.Metrics = &MetricsConfig{}
	}
	if fc.Metrics.Usage == nil {
		fc.Metrics.Usage = &UsageConfig{}
	}
	if fc.Metrics.Usage.Interval <= 0 {
		fc.Metrics.Usage.Interval = 5 * time.Second
	}
	if fc.Log == nil {
		fc.Log = &logger.Config{}
	}
	if fc.Log.File.Dir == "" && fc.Log.File.Path == "" {
		fc.Log.File.Dir = filepath.Join(fc.DataDir, LogsDirName)
	}
}

// Validate checks invariants a config file could violate.
func (fc *FileConfig) Validate() error {
	if fc.Ports.Start <= 0 || fc.Ports.Start > 65535 {
		return fmt.Errorf("invalid port range start %d", fc.Ports.Start)
	}
	if fc.Ports.End < fc.Ports.Start || fc.Ports.End > 65535 {
		return fmt.Errorf("invalid port range %d-%d", fc.Ports.Start, fc.Ports.End)
	}
	for _, s := range fc.Services {
		if s.Name == "" {
			return fmt.Errorf("service requires name")
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("service %s has invalid port %d", s.Name, s.Port)
		}
		if !strings.HasPrefix(s.Path, "/") {
			return fmt.Errorf("service %s path %q must start with /", s.Name, s.Path)
		}
	}
	if fc.Checker.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %s is below 1s", fc.Checker.PollInterval)
	}
	return nil
}

// SettingsPath is the host app settings file inspected by the config probe.
func (fc FileConfig) SettingsPath() string {
	return filepath.Join(fc.DataDir, SettingsFileName)
}

// RegistryPath is the persisted process registry document.
func (fc FileConfig) RegistryPath() string {
	return filepath.Join(fc.DataDir, RegistryFileName)
}

// LogsDir is the directory for rotated subsystem logs.
func (fc FileConfig) LogsDir() string {
	return filepath.Join(fc.DataDir, LogsDirName)
}
