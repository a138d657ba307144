package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIClient talks to the diagnostics endpoint of a running monitor.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8799"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// IsReachable checks if a monitor is running and reachable.
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// GetStatus fetches the aggregated health state.
func (c *APIClient) GetStatus() (map[string]any, error) {
	var out map[string]any
	err := c.get("/status", &out)
	return out, err
}

// GetEvents fetches recent events, oldest first.
func (c *APIClient) GetEvents() ([]map[string]any, error) {
	var out []map[string]any
	err := c.get("/events", &out)
	return out, err
}

// GetRegistry fetches registry stats with current and orphan entries.
func (c *APIClient) GetRegistry() (map[string]any, error) {
	var out map[string]any
	err := c.get("/registry", &out)
	return out, err
}

// TriggerCheck runs an immediate health check on the monitor.
func (c *APIClient) TriggerCheck() (map[string]any, error) {
	var out map[string]any
	err := c.post("/check", &out)
	return out, err
}

// TriggerCleanup runs an orphan sweep on the monitor.
func (c *APIClient) TriggerCleanup() (map[string]any, error) {
	var out map[string]any
	err := c.post("/cleanup", &out)
	return out, err
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *APIClient) post(path string, out any) error {
	resp, err := c.client.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
