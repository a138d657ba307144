package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	fc, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.DataDir == "" {
		t.Fatalf("expected default data dir")
	}
	if fc.Ports.Start != DefaultPortStart || fc.Ports.End != DefaultPortEnd {
		t.Fatalf("unexpected port range: %+v", fc.Ports)
	}
	if len(fc.Services) != 2 {
		t.Fatalf("expected 2 default services, got %d", len(fc.Services))
	}
	if fc.Services[0].Name != "router" || fc.Services[0].Port != DefaultRouterPort || fc.Services[0].Path != "/health" {
		t.Fatalf("unexpected router service: %+v", fc.Services[0])
	}
	if fc.Services[1].URL() != "http://127.0.0.1:8752/api/health" {
		t.Fatalf("unexpected gateway URL: %s", fc.Services[1].URL())
	}
	if fc.Checker.PollInterval != time.Minute {
		t.Fatalf("unexpected poll interval: %s", fc.Checker.PollInterval)
	}
	if !fc.Checker.WatchEnabled() {
		t.Fatalf("expected settings watch enabled by default")
	}
	if !fc.Journal.On() || fc.Journal.Path == "" {
		t.Fatalf("expected journal on with derived path, got %+v", fc.Journal)
	}
	if !fc.Metrics.On() || fc.Metrics.Usage.Enabled {
		t.Fatalf("expected metrics on and usage sampling off, got %+v", fc.Metrics)
	}
}

func TestLoad_Full(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sentinel.toml")
	data := `
data_dir = "` + dir + `"

[ports]
start = 9000
end = 9010

[[services]]
name = "router"
port = 9001
path = "/health"

[checker]
poll_interval = "30s"
watch_settings = false

[server]
enabled = true
listen = "127.0.0.1:9099"
base_path = "/sentinel"

[journal]
enabled = false

[metrics.usage]
enabled = true
interval = "2s"

[log.slog]
level = "debug"
color = true
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	fc, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if fc.DataDir != dir {
		t.Fatalf("data_dir not honored: %s", fc.DataDir)
	}
	if fc.Ports.Start != 9000 || fc.Ports.End != 9010 {
		t.Fatalf("unexpected ports: %+v", fc.Ports)
	}
	if len(fc.Services) != 1 || fc.Services[0].Port != 9001 {
		t.Fatalf("unexpected services: %+v", fc.Services)
	}
	if fc.Checker.PollInterval != 30*time.Second || fc.Checker.WatchEnabled() {
		t.Fatalf("unexpected checker config: %+v", fc.Checker)
	}
	if !fc.Server.Enabled || fc.Server.Listen != "127.0.0.1:9099" || fc.Server.BasePath != "/sentinel" {
		t.Fatalf("unexpected server config: %+v", fc.Server)
	}
	if fc.Journal.On() {
		t.Fatalf("expected journal disabled")
	}
	if !fc.Metrics.Usage.Enabled || fc.Metrics.Usage.Interval != 2*time.Second {
		t.Fatalf("unexpected usage config: %+v", fc.Metrics.Usage)
	}
	if fc.Log.Slog.Level != "debug" || !fc.Log.Slog.Color {
		t.Fatalf("unexpected log config: %+v", fc.Log.Slog)
	}
	if fc.SettingsPath() != filepath.Join(dir, SettingsFileName) {
		t.Fatalf("unexpected settings path: %s", fc.SettingsPath())
	}
	if fc.RegistryPath() != filepath.Join(dir, RegistryFileName) {
		t.Fatalf("unexpected registry path: %s", fc.RegistryPath())
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{
			name: "inverted range",
			toml: "[ports]\nstart = 9010\nend = 9000\n",
			want: "invalid port range",
		},
		{
			name: "service without name",
			toml: "[[services]]\nport = 8751\npath = \"/health\"\n",
			want: "service requires name",
		},
		{
			name: "service bad path",
			toml: "[[services]]\nname = \"router\"\nport = 8751\npath = \"health\"\n",
			want: "must start with /",
		},
		{
			name: "poll too fast",
			toml: "[checker]\npoll_interval = \"100ms\"\n",
			want: "below 1s",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "bad.toml")
			if err := os.WriteFile(file, []byte(tc.toml), 0o644); err != nil {
				t.Fatalf("write toml: %v", err)
			}
			_, err := Load(file)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
