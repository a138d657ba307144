package probe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	return path
}

func TestConfigProbe_MissingFileIsFirstLaunch(t *testing.T) {
	p := ConfigProbe{Path: filepath.Join(t.TempDir(), "settings.json")}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityInfo {
		t.Fatalf("missing file must be healthy/info, got %+v", res)
	}
	if res.Data["exists"] != false {
		t.Fatalf("expected exists=false, got %v", res.Data)
	}
}

func TestConfigProbe_InvalidJSON(t *testing.T) {
	p := ConfigProbe{Path: writeSettings(t, "{broken")}
	res := p.Check(context.Background())
	if res.Healthy || res.Severity != SeverityCritical {
		t.Fatalf("invalid JSON must be unhealthy/critical, got %+v", res)
	}
	if res.Data["parses"] != false {
		t.Fatalf("expected parses=false, got %v", res.Data)
	}
}

func TestConfigProbe_MissingCriticalFields(t *testing.T) {
	cases := []string{
		`{}`,
		`{"aiSources": {"current": "custom"}}`,
		`{"permissions": {}}`,
		`{"aiSources": {"current": ""}, "permissions": {}}`,
	}
	for _, content := range cases {
		p := ConfigProbe{Path: writeSettings(t, content)}
		res := p.Check(context.Background())
		if res.Healthy || res.Severity != SeverityCritical {
			t.Fatalf("settings %q must be unhealthy/critical, got %+v", content, res)
		}
	}
}

func TestConfigProbe_FieldsPresentWithoutKey(t *testing.T) {
	p := ConfigProbe{Path: writeSettings(t, `{"aiSources": {"current": "custom"}, "permissions": {}}`)}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityWarning {
		t.Fatalf("missing key must be healthy/warning, got %+v", res)
	}
	if res.Data["criticalFieldsPresent"] != true || res.Data["apiKeyConfigured"] != false {
		t.Fatalf("unexpected data: %v", res.Data)
	}
}

func TestConfigProbe_CurrentSourceKey(t *testing.T) {
	content := `{
		"aiSources": {"current": "custom", "sources": {"custom": {"apiKey": "sk-1"}}},
		"permissions": {"allow": []}
	}`
	p := ConfigProbe{Path: writeSettings(t, content)}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityInfo {
		t.Fatalf("configured key must be healthy/info, got %+v", res)
	}
	if res.Data["apiKeyConfigured"] != true {
		t.Fatalf("expected apiKeyConfigured=true, got %v", res.Data)
	}
}

func TestConfigProbe_LegacyTopLevelKey(t *testing.T) {
	content := `{"apiKey": "sk-legacy", "aiSources": {"current": "custom"}, "permissions": {}}`
	p := ConfigProbe{Path: writeSettings(t, content)}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityInfo {
		t.Fatalf("legacy key must count as configured, got %+v", res)
	}
	if res.Data["apiKeyConfigured"] != true {
		t.Fatalf("expected apiKeyConfigured=true, got %v", res.Data)
	}
}

func TestConfigProbe_KeyOnOtherSourceDoesNotCount(t *testing.T) {
	content := `{
		"aiSources": {"current": "custom", "sources": {"other": {"apiKey": "sk-2"}}},
		"permissions": {}
	}`
	p := ConfigProbe{Path: writeSettings(t, content)}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityWarning {
		t.Fatalf("key on non-current source must stay a warning, got %+v", res)
	}
}
