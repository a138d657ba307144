package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haloapp/sentinel"
)

// apiBase derives the diagnostics URL from the config unless overridden.
func apiBase(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := sentinel.LoadConfig(configPath)
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	return "http://" + cfg.Server.Listen + cfg.Server.BasePath, nil
}

func clientFromFlags(configPath, apiURL string, timeout time.Duration) (*APIClient, error) {
	base, err := apiBase(configPath, apiURL)
	if err != nil {
		return nil, err
	}
	return NewAPIClient(base, timeout), nil
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
