package probe

import (
	"context"
	"net"
	"strconv"
	"testing"
)

// freePortRange finds n consecutive bindable ports for the test to play
// with, starting the search above the ephemeral-ish service range.
func freePortRange(t *testing.T, n int) int {
	t.Helper()
	for start := 38750; start < 39500; start += n {
		ok := true
		var listeners []net.Listener
		for port := start; port < start+n; port++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err != nil {
				ok = false
				break
			}
			listeners = append(listeners, ln)
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
		if ok {
			return start
		}
	}
	t.Skip("no free port range found")
	return 0
}

func TestPortProbe_MixedRange(t *testing.T) {
	start := freePortRange(t, 4)
	occupiedPort := start + 1
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(occupiedPort)))
	if err != nil {
		t.Skipf("cannot occupy port: %v", err)
	}
	defer func() { _ = ln.Close() }()

	p := PortProbe{Start: start, End: start + 3}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityInfo {
		t.Fatalf("range with free ports must be healthy, got %+v", res)
	}
	available := res.Data["available"].([]int)
	occupied := res.Data["occupied"].([]int)
	if len(available) != 3 {
		t.Fatalf("expected 3 available ports, got %v", available)
	}
	if len(occupied) != 1 || occupied[0] != occupiedPort {
		t.Fatalf("expected occupied=[%d], got %v", occupiedPort, occupied)
	}
}

func TestPortProbe_AllOccupied(t *testing.T) {
	start := freePortRange(t, 2)
	var listeners []net.Listener
	for port := start; port <= start+1; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			t.Skipf("cannot occupy port %d: %v", port, err)
		}
		listeners = append(listeners, ln)
	}
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	p := PortProbe{Start: start, End: start + 1}
	res := p.Check(context.Background())
	if res.Healthy || res.Severity != SeverityCritical {
		t.Fatalf("fully occupied range must be unhealthy/critical, got %+v", res)
	}
	if got := res.Data["available"].([]int); len(got) != 0 {
		t.Fatalf("expected no available ports, got %v", got)
	}
}

func TestPortProbe_InvalidRangeFailsOpen(t *testing.T) {
	p := PortProbe{Start: 9010, End: 9000}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityWarning {
		t.Fatalf("invalid range must fail open, got %+v", res)
	}
}
