// Package probe implements the independent health checks run at startup
// and by the runtime checker. Probes are order-independent and fail open:
// when a probe cannot determine health it reports healthy with a degraded
// severity rather than propagating an internal error.
package probe

import (
	"context"
	"time"
)

// Severity grades a probe result.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Result is one point-in-time probe outcome. Results are never persisted.
type Result struct {
	Name      string         `json:"name"`
	Healthy   bool           `json:"healthy"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Probe is one health check.
type Probe interface {
	Name() string
	Check(ctx context.Context) Result
}

func newResult(name string, healthy bool, sev Severity, msg string, data map[string]any) Result {
	return Result{
		Name:      name,
		Healthy:   healthy,
		Severity:  sev,
		Message:   msg,
		Timestamp: time.Now(),
		Data:      data,
	}
}
