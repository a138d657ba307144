package client

import "time"

// The types below mirror the wire format of the diagnostics endpoint so
// consumers do not need to depend on the monitor's internal packages.

// ProbeResult represents the outcome of a single health probe
type ProbeResult struct {
	Name      string         `json:"name"`
	Healthy   bool           `json:"healthy"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthEvent represents one entry from the monitor's event bus
type HealthEvent struct {
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// HealthState represents the aggregated state returned by GET /status
type HealthState struct {
	Status              string        `json:"status"`
	InstanceID          string        `json:"instanceId"`
	StartedAt           time.Time     `json:"startedAt"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	RecoveryAttempts    int           `json:"recoveryAttempts"`
	PollingActive       bool          `json:"pollingActive"`
	Enabled             bool          `json:"enabled"`
	LastStartupCheck    []ProbeResult `json:"lastStartupCheck,omitempty"`
	RecentEvents        []HealthEvent `json:"recentEvents,omitempty"`
}

// ProcessEntry represents one tracked process
type ProcessEntry struct {
	ID            string    `json:"id"`
	Kind          string    `json:"type"`
	PID           int       `json:"pid"`
	InstanceID    string    `json:"instanceId"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// RegistryStats summarizes the registry counters
type RegistryStats struct {
	TotalProcesses   int `json:"totalProcesses"`
	CurrentProcesses int `json:"currentProcesses"`
	OrphanProcesses  int `json:"orphanProcesses"`
}

// RegistrySnapshot represents the response of GET /registry
type RegistrySnapshot struct {
	Stats   RegistryStats  `json:"stats"`
	Current []ProcessEntry `json:"current"`
	Orphans []ProcessEntry `json:"orphans"`
}

// KindCount pairs the expected and alive process counts for one kind
type KindCount struct {
	Expected int `json:"expected"`
	Alive    int `json:"alive"`
}

// CheckReport represents the response of POST /check
type CheckReport struct {
	Timestamp time.Time            `json:"timestamp"`
	Status    string               `json:"status"`
	Processes map[string]KindCount `json:"processes"`
	Services  []ProbeResult        `json:"services"`
}

// CleanupDetail describes one swept process
type CleanupDetail struct {
	ID     string `json:"id"`
	Kind   string `json:"type"`
	PID    int    `json:"pid,omitempty"`
	Method string `json:"method"`
	Error  string `json:"error,omitempty"`
}

// CleanupReport represents the response of POST /cleanup
type CleanupReport struct {
	Cleaned int             `json:"cleaned"`
	Failed  int             `json:"failed"`
	Details []CleanupDetail `json:"details"`
}

// ErrorResponse represents an error payload from the diagnostics endpoint
type ErrorResponse struct {
	Error string `json:"error"`
}
