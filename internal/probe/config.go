package probe

import (
	"context"
	"encoding/json"
	"os"
)

// ConfigProbe inspects the host app settings file: does it exist, does it
// parse, are the critical fields present, and is any API key configured.
// A missing file is a healthy first-launch state, a file that exists but
// cannot be parsed or lacks critical fields is a critical failure, and a
// parseable file without a usable credential is only a warning.
type ConfigProbe struct {
	Path string
}

func (p ConfigProbe) Name() string { return "config" }

type settingsDoc struct {
	APIKey    string `json:"apiKey"`
	AISources *struct {
		Current string `json:"current"`
		Sources map[string]struct {
			APIKey string `json:"apiKey"`
		} `json:"sources"`
	} `json:"aiSources"`
	Permissions json.RawMessage `json:"permissions"`
}

func (p ConfigProbe) Check(ctx context.Context) Result {
	_ = ctx

	raw, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return newResult(p.Name(), true, SeverityInfo, "settings file not created yet",
				map[string]any{"exists": false})
		}
		// Unreadable for another reason: fail open.
		return newResult(p.Name(), true, SeverityWarning, "settings file unreadable: "+err.Error(),
			map[string]any{"exists": true, "parses": false})
	}

	var doc settingsDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return newResult(p.Name(), false, SeverityCritical, "settings file is not valid JSON",
			map[string]any{"exists": true, "parses": false})
	}

	criticalPresent := doc.AISources != nil && doc.AISources.Current != "" && len(doc.Permissions) > 0
	if !criticalPresent {
		return newResult(p.Name(), false, SeverityCritical, "settings file is missing critical fields",
			map[string]any{"exists": true, "parses": true, "criticalFieldsPresent": false})
	}

	apiKeyConfigured := doc.APIKey != ""
	if !apiKeyConfigured && doc.AISources.Sources != nil {
		if src, ok := doc.AISources.Sources[doc.AISources.Current]; ok && src.APIKey != "" {
			apiKeyConfigured = true
		}
	}
	data := map[string]any{
		"exists":                true,
		"parses":                true,
		"criticalFieldsPresent": true,
		"apiKeyConfigured":      apiKeyConfigured,
	}
	if !apiKeyConfigured {
		return newResult(p.Name(), true, SeverityWarning, "no API key configured", data)
	}
	return newResult(p.Name(), true, SeverityInfo, "settings ok", data)
}
