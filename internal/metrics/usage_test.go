package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestUsageCollectorSamplesSelf(t *testing.T) {
	targets := []Target{{Kind: "session", ID: "sess-1", PID: os.Getpid()}}
	c := NewUsageCollector(UsageConfig{Enabled: true}, func() []Target { return targets })
	if err := c.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}

	c.Collect()

	latest := c.Latest()
	u, ok := latest["session/sess-1"]
	if !ok {
		t.Fatalf("no sample for self, latest=%v", latest)
	}
	if u.PID != os.Getpid() || u.MemoryRSS == 0 {
		t.Fatalf("implausible sample %+v", u)
	}
	if u.Timestamp.IsZero() {
		t.Fatal("sample missing timestamp")
	}
}

func TestUsageCollectorDropsGoneTargets(t *testing.T) {
	targets := []Target{{Kind: "session", ID: "sess-1", PID: os.Getpid()}}
	c := NewUsageCollector(UsageConfig{Enabled: true}, func() []Target { return targets })

	c.Collect()
	if len(c.Latest()) != 1 {
		t.Fatalf("expected one sample, got %v", c.Latest())
	}

	targets = nil
	c.Collect()
	if len(c.Latest()) != 0 {
		t.Fatalf("gone target must be dropped, got %v", c.Latest())
	}
}

func TestUsageCollectorSkipsBadPIDs(t *testing.T) {
	targets := []Target{
		{Kind: "tunnel", ID: "tun-1", PID: 0},
		{Kind: "tunnel", ID: "tun-2", PID: 1<<22 + 12345},
	}
	c := NewUsageCollector(UsageConfig{Enabled: true}, func() []Target { return targets })
	c.Collect()
	if len(c.Latest()) != 0 {
		t.Fatalf("bad pids must not produce samples, got %v", c.Latest())
	}
}

func TestUsageCollectorDisabled(t *testing.T) {
	c := NewUsageCollector(UsageConfig{}, func() []Target {
		t.Fatal("snapshot must not run when disabled")
		return nil
	})
	if err := c.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Stop()
}

func TestUsageCollectorStartStop(t *testing.T) {
	c := NewUsageCollector(UsageConfig{Enabled: true, Interval: 10 * time.Millisecond},
		func() []Target { return []Target{{Kind: "session", ID: "s", PID: os.Getpid()}} })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(35 * time.Millisecond)
	c.Stop()
	if len(c.Latest()) == 0 {
		t.Fatal("ticker never sampled")
	}
}
