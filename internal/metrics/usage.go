package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Target identifies one managed process to sample.
type Target struct {
	Kind string
	ID   string
	PID  int
}

func (t Target) key() string { return t.Kind + "/" + t.ID }

// Usage holds the latest resource sample for one managed process.
type Usage struct {
	Kind       string    `json:"kind"`
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryMB   float64   `json:"memoryMb"`
	MemoryRSS  uint64    `json:"memoryRss"`
	NumThreads int32     `json:"numThreads"`
	NumFDs     int32     `json:"numFds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// UsageConfig holds configuration for managed-process resource sampling.
type UsageConfig struct {
	Enabled  bool          `toml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// UsageCollector periodically samples CPU and memory for the managed
// processes reported by the snapshot function and exports them as gauges.
// Only the latest sample per process is kept; history lives in the journal.
type UsageCollector struct {
	enabled  bool
	interval time.Duration
	snapshot func() []Target

	mu     sync.RWMutex
	latest map[string]Usage

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewUsageCollector creates a collector over the given snapshot function.
func NewUsageCollector(cfg UsageConfig, snapshot func() []Target) *UsageCollector {
	interval := cfg.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	labels := []string{"kind", "id"}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		snapshot: snapshot,
		latest:   make(map[string]Usage),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "managed",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage for managed processes.",
			}, labels,
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "managed",
				Name:      "memory_mb",
				Help:      "Resident memory in MB for managed processes.",
			}, labels,
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "managed",
				Name:      "num_threads",
				Help:      "Number of threads for managed processes.",
			}, labels,
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sentinel",
				Subsystem: "managed",
				Name:      "num_fds",
				Help:      "Number of file descriptors for managed processes (Unix only).",
			}, labels,
		),
	}
}

// RegisterMetrics registers the usage gauges with the provided registerer.
func (c *UsageCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling until the context ends or Stop is called.
func (c *UsageCollector) Start(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect()
			}
		}
	}()
	return nil
}

// Stop ends sampling and waits for the loop to exit.
func (c *UsageCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect samples every current target once. Exposed so a diagnostics
// request can force a fresh reading.
func (c *UsageCollector) Collect() {
	targets := c.snapshot()
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.PID <= 0 {
			continue
		}
		u, err := sampleTarget(t)
		if err != nil {
			slog.Debug("usage sample failed", "kind", t.Kind, "id", t.ID, "pid", t.PID, "error", err)
			continue
		}
		seen[t.key()] = true
		c.cpuPercent.WithLabelValues(t.Kind, t.ID).Set(u.CPUPercent)
		c.memoryMB.WithLabelValues(t.Kind, t.ID).Set(u.MemoryMB)
		c.numThreads.WithLabelValues(t.Kind, t.ID).Set(float64(u.NumThreads))
		if runtime.GOOS != "windows" && u.NumFDs > 0 {
			c.numFDs.WithLabelValues(t.Kind, t.ID).Set(float64(u.NumFDs))
		}
		c.mu.Lock()
		c.latest[t.key()] = u
		c.mu.Unlock()
	}
	c.dropGone(seen)
}

// dropGone removes samples and gauge labels for processes no longer in the
// target set.
func (c *UsageCollector) dropGone(seen map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, u := range c.latest {
		if seen[key] {
			continue
		}
		delete(c.latest, key)
		c.cpuPercent.DeleteLabelValues(u.Kind, u.ID)
		c.memoryMB.DeleteLabelValues(u.Kind, u.ID)
		c.numThreads.DeleteLabelValues(u.Kind, u.ID)
		if runtime.GOOS != "windows" {
			c.numFDs.DeleteLabelValues(u.Kind, u.ID)
		}
	}
}

// Latest returns a copy of the most recent sample per managed process.
func (c *UsageCollector) Latest() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}

func sampleTarget(t Target) (Usage, error) {
	proc, err := process.NewProcess(int32(t.PID))
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	u := Usage{Kind: t.Kind, ID: t.ID, PID: t.PID, Timestamp: time.Now()}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	memInfo, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u.MemoryRSS = memInfo.RSS
	u.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}
