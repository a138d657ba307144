package recovery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.AgentCriticalThreshold != 3 || p.EngineResetThreshold != 3 || p.AppRestartThreshold != 5 {
		t.Fatalf("unexpected thresholds: %+v", p)
	}
	if p.Cooldown.Duration() != 30*time.Second || p.AttemptCap != 3 {
		t.Fatalf("unexpected rate limits: %+v", p)
	}
	if p.DecayWindow.Duration() != time.Minute {
		t.Fatalf("unexpected decay window: %v", p.DecayWindow.Duration())
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadPolicyMissingFileYieldsDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p != DefaultPolicy() {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestLoadPolicyOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "health-policy.yaml")
	data := "app_restart_threshold: 7\ncooldown: 45s\n"
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := LoadPolicy(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.AppRestartThreshold != 7 || p.Cooldown.Duration() != 45*time.Second {
		t.Fatalf("overrides not applied: %+v", p)
	}
	// Untouched fields keep their defaults.
	if p.EngineResetThreshold != 3 || p.AttemptCap != 3 {
		t.Fatalf("defaults lost: %+v", p)
	}
}

func TestParsePolicyErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "cooldown: soon\n", "invalid duration"},
		{"zero cap", "attempt_cap: 0\n", "attempt_cap"},
		{"inverted thresholds", "engine_reset_threshold: 6\napp_restart_threshold: 5\n", "must exceed"},
		{"not yaml", "{{{\n", "parse policy YAML"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	p, err := ParsePolicy([]byte("cooldown: 100ms\ndecay_window: 2m\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Cooldown.Duration() != 100*time.Millisecond || p.DecayWindow.Duration() != 2*time.Minute {
		t.Fatalf("durations not parsed: %+v", p)
	}
	out, err := p.Cooldown.MarshalYAML()
	if err != nil || out != "100ms" {
		t.Fatalf("marshal got %v, %v", out, err)
	}
}
