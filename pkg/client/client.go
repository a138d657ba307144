package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client provides HTTP client functionality to communicate with a running
// sentinel monitor over its local diagnostics endpoint.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8799",
		Timeout: 10 * time.Second,
	}
}

// New creates a new sentinel diagnostics client. The monitor only serves
// plain HTTP on a loopback address, so there is no TLS configuration.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8799"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if a monitor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Monitor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Monitor reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Status returns the aggregated health state of the monitor
func (c *Client) Status(ctx context.Context) (HealthState, error) {
	var state HealthState
	if err := c.getJSON(ctx, "/status", &state); err != nil {
		return HealthState{}, err
	}
	return state, nil
}

// Events returns the recent health events, oldest first
func (c *Client) Events(ctx context.Context) ([]HealthEvent, error) {
	var events []HealthEvent
	if err := c.getJSON(ctx, "/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Registry returns a snapshot of the tracked and orphaned processes
func (c *Client) Registry(ctx context.Context) (RegistrySnapshot, error) {
	var snap RegistrySnapshot
	if err := c.getJSON(ctx, "/registry", &snap); err != nil {
		return RegistrySnapshot{}, err
	}
	return snap, nil
}

// TriggerCheck asks the monitor to run an immediate health check
func (c *Client) TriggerCheck(ctx context.Context) (CheckReport, error) {
	c.logger.Debug("Triggering immediate check")
	var report CheckReport
	if err := c.postJSON(ctx, "/check", &report); err != nil {
		return CheckReport{}, err
	}
	return report, nil
}

// TriggerCleanup asks the monitor to sweep orphaned processes. The monitor
// owns the registry file, so sweeps go through it rather than touching the
// file directly.
func (c *Client) TriggerCleanup(ctx context.Context) (CleanupReport, error) {
	c.logger.Debug("Triggering orphan cleanup")
	var report CleanupReport
	if err := c.postJSON(ctx, "/cleanup", &report); err != nil {
		return CleanupReport{}, err
	}
	return report, nil
}

// getJSON performs a GET request and decodes the response into out
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, out)
}

// postJSON performs a POST request and decodes the response into out
func (c *Client) postJSON(ctx context.Context, path string, out any) error {
	return c.doJSON(ctx, http.MethodPost, path, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError handles HTTP error responses
func (c *Client) decodeError(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
