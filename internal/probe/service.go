package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"
)

// ServiceTimeout bounds each service health request so a hung service
// becomes a reported failure instead of a hung probe.
const ServiceTimeout = 3 * time.Second

// ServiceProbe issues a GET against a local service health endpoint. Any
// status below 500 counts as healthy; a timeout is reported distinctly from
// a refused connection so the two failure modes stay tellable apart.
type ServiceProbe struct {
	Service string // logical name, e.g. "router"
	URL     string

	// Client overrides the HTTP client, primarily for tests.
	Client *http.Client
}

func (p ServiceProbe) Name() string { return "service:" + p.Service }

func (p ServiceProbe) Check(ctx context.Context) Result {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: ServiceTimeout}
	}
	ctx, cancel := context.WithTimeout(ctx, ServiceTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return newResult(p.Name(), true, SeverityWarning, "invalid service URL: "+err.Error(), nil)
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		data := map[string]any{"latencyMs": latency.Milliseconds()}
		switch {
		case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
			data["failure"] = "timeout"
			return newResult(p.Name(), false, SeverityWarning,
				fmt.Sprintf("%s did not answer within %s", p.Service, ServiceTimeout), data)
		case errors.Is(err, syscall.ECONNREFUSED):
			data["failure"] = "unreachable"
			return newResult(p.Name(), false, SeverityCritical,
				fmt.Sprintf("%s refused the connection", p.Service), data)
		default:
			data["failure"] = "error"
			return newResult(p.Name(), false, SeverityWarning,
				fmt.Sprintf("%s check failed: %v", p.Service, err), data)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	data := map[string]any{
		"status":    resp.StatusCode,
		"latencyMs": latency.Milliseconds(),
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		data["failure"] = "server-error"
		return newResult(p.Name(), false, SeverityCritical,
			fmt.Sprintf("%s answered %d", p.Service, resp.StatusCode), data)
	}
	return newResult(p.Name(), true, SeverityInfo,
		fmt.Sprintf("%s answered %d in %dms", p.Service, resp.StatusCode, latency.Milliseconds()), data)
}
