package probe

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/panjf2000/ants/v2"
)

const portScanWorkers = 8

// PortProbe scans an inclusive local port range by attempting loopback
// binds. The range is healthy as long as at least one port is free for the
// app's services to claim.
type PortProbe struct {
	Start int
	End   int
}

func (p PortProbe) Name() string { return "port" }

func (p PortProbe) Check(ctx context.Context) Result {
	if p.Start <= 0 || p.End < p.Start {
		return newResult(p.Name(), true, SeverityWarning,
			fmt.Sprintf("invalid port range %d-%d", p.Start, p.End), nil)
	}

	var (
		mu        sync.Mutex
		available []int
		occupied  []int
		wg        sync.WaitGroup
	)
	record := func(port int, free bool) {
		mu.Lock()
		if free {
			available = append(available, port)
		} else {
			occupied = append(occupied, port)
		}
		mu.Unlock()
	}

	pool, err := ants.NewPool(portScanWorkers)
	for port := p.Start; port <= p.End; port++ {
		port := port
		task := func() {
			defer wg.Done()
			record(port, portFree(ctx, port))
		}
		wg.Add(1)
		if err != nil || pool.Submit(task) != nil {
			task()
		}
	}
	wg.Wait()
	if pool != nil {
		pool.Release()
	}
	sort.Ints(available)
	sort.Ints(occupied)

	data := map[string]any{
		"available": available,
		"occupied":  occupied,
	}
	if len(available) == 0 {
		return newResult(p.Name(), false, SeverityCritical,
			fmt.Sprintf("no free ports in %d-%d", p.Start, p.End), data)
	}
	return newResult(p.Name(), true, SeverityInfo,
		fmt.Sprintf("%d of %d ports free", len(available), p.End-p.Start+1), data)
}

func portFree(ctx context.Context, port int) bool {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
