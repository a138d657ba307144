// Package guardian terminates orphaned child processes: registry entries
// owned by a previous app instance, plus managed strays found by marker
// search when no usable PID is recorded. Termination is escalating: a
// graceful signal first, a liveness verify with bounded retries, then a
// forceful kill.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/haloapp/sentinel/internal/metrics"
	"github.com/haloapp/sentinel/internal/platform"
	"github.com/haloapp/sentinel/internal/registry"
)

// Marker arguments carried in the argv of every managed child process, so
// it stays findable by command line even when its PID was lost.
const (
	MarkerManaged    = "--halo-managed"
	markerKindPrefix = "--halo-kind="
	markerIDPrefix   = "--halo-id="
)

// Termination verify cadence. SIGTERM gets up to eight checks before the
// escalation to SIGKILL, SIGKILL three more before we give up.
const (
	verifyInterval    = 100 * time.Millisecond
	termVerifyRetries = 8
	killVerifyRetries = 3
)

// How an orphan was terminated.
const (
	MethodPID     = "pid"
	MethodPattern = "args"
)

var errStillRunning = errors.New("process still running")

// Detail records the outcome for one orphan entry.
type Detail struct {
	ID     string        `json:"id"`
	Kind   registry.Kind `json:"type"`
	PID    int           `json:"pid,omitempty"`
	Method string        `json:"method"`
	Error  string        `json:"error,omitempty"`
}

// Report summarizes one cleanup pass.
type Report struct {
	Cleaned int      `json:"cleaned"`
	Failed  int      `json:"failed"`
	Details []Detail `json:"details"`
}

func (r *Report) add(d Detail, err error) {
	if err != nil {
		d.Error = err.Error()
		r.Failed++
	} else {
		r.Cleaned++
	}
	r.Details = append(r.Details, d)
}

// Guardian owns orphan cleanup against one registry.
type Guardian struct {
	reg    *registry.Registry
	ops    platform.Ops
	logger *slog.Logger
}

// New returns a guardian over the given registry and platform ops. A nil
// ops selects the platform default.
func New(reg *registry.Registry, ops platform.Ops, logger *slog.Logger) *Guardian {
	if ops == nil {
		ops = platform.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{reg: reg, ops: ops, logger: logger}
}

// MarkerArgs returns the argv markers a managed child of the given kind and
// id must carry.
func MarkerArgs(kind registry.Kind, id string) []string {
	return []string{MarkerManaged, markerKindPrefix + string(kind), markerIDPrefix + id}
}

// IsManagedCommand reports whether a command line carries the managed
// marker.
func IsManagedCommand(cmdline string) bool {
	return strings.Contains(cmdline, MarkerManaged)
}

// ParseCommand extracts the kind and id markers from a managed command
// line. ok is false when the line is not managed.
func ParseCommand(cmdline string) (kind registry.Kind, id string, ok bool) {
	if !IsManagedCommand(cmdline) {
		return "", "", false
	}
	for _, field := range strings.Fields(cmdline) {
		switch {
		case strings.HasPrefix(field, markerKindPrefix):
			kind = registry.Kind(strings.TrimPrefix(field, markerKindPrefix))
		case strings.HasPrefix(field, markerIDPrefix):
			id = strings.TrimPrefix(field, markerIDPrefix)
		}
	}
	return kind, id, true
}

// CleanupOrphans terminates every orphan the registry knows about. Entries
// with a live recorded PID are killed by PID; the rest fall back to a
// command-line search keyed on the entry's id marker. Successfully handled
// entries are dropped from the registry; failures stay for the next pass.
func (g *Guardian) CleanupOrphans(ctx context.Context) Report {
	var rep Report
	for _, o := range g.reg.OrphanProcesses() {
		d := Detail{ID: o.ID, Kind: o.Kind}
		var err error
		if o.PID > 0 && g.ops.IsAlive(o.PID) && g.pidStillOurs(o.PID) {
			d.Method = MethodPID
			d.PID = o.PID
			err = g.terminate(ctx, o.PID)
		} else {
			d.Method = MethodPattern
			err = g.cleanupByPattern(ctx, o.ID)
		}
		if err == nil {
			g.reg.DropEntry(o.ID, o.Kind, o.InstanceID)
		} else {
			g.logger.Warn("orphan cleanup failed", "id", o.ID, "kind", o.Kind, "method", d.Method, "error", err)
		}
		rep.add(d, err)
	}
	if rep.Cleaned > 0 || rep.Failed > 0 {
		g.logger.Info("orphan cleanup finished", "cleaned", rep.Cleaned, "failed", rep.Failed)
	}
	metrics.AddOrphansCleaned(rep.Cleaned)
	metrics.AddOrphanFailures(rep.Failed)
	return rep
}

// pidStillOurs guards against PID reuse: a recorded PID is killed only
// while its command line still carries the managed marker. An unreadable
// command line does not block the kill, the liveness check already passed.
func (g *Guardian) pidStillOurs(pid int) bool {
	cl, ok := g.ops.CommandLine(pid)
	if !ok {
		return true
	}
	return IsManagedCommand(cl)
}

func (g *Guardian) cleanupByPattern(ctx context.Context, id string) error {
	matches, err := g.ops.FindByPattern(ctx, markerIDPrefix+id)
	if err != nil {
		return fmt.Errorf("search for %s: %w", id, err)
	}
	var firstErr error
	for _, m := range matches {
		if err := g.terminate(ctx, m.PID); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("pid %d: %w", m.PID, err)
		}
	}
	return firstErr
}

// terminate escalates: graceful signal, bounded verify, forceful kill,
// final verify. A process that is already gone is success at every step.
func (g *Guardian) terminate(ctx context.Context, pid int) error {
	if !g.ops.IsAlive(pid) {
		return nil
	}
	if err := g.ops.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	if g.waitGone(ctx, pid, termVerifyRetries) {
		return nil
	}
	g.logger.Debug("escalating to forceful kill", "pid", pid)
	if err := g.ops.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if g.waitGone(ctx, pid, killVerifyRetries) {
		return nil
	}
	return fmt.Errorf("pid %d survived forceful kill", pid)
}

func (g *Guardian) waitGone(ctx context.Context, pid int, retries uint64) bool {
	op := func() error {
		if g.ops.IsAlive(pid) {
			return errStillRunning
		}
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(verifyInterval), retries), ctx)
	return backoff.Retry(op, b) == nil
}

// VerifyCleanup re-scans for managed processes that no current-instance
// entry accounts for and reports them as failures without touching them.
func (g *Guardian) VerifyCleanup(ctx context.Context) Report {
	var rep Report
	matches, err := g.ops.FindByPattern(ctx, MarkerManaged)
	if err != nil {
		g.logger.Warn("verify scan failed", "error", err)
		return rep
	}
	current := make(map[string]bool)
	for _, e := range g.reg.CurrentProcesses() {
		current[string(e.Kind)+"/"+e.ID] = true
	}
	for _, m := range matches {
		kind, id, ok := ParseCommand(m.CommandLine)
		if !ok || current[string(kind)+"/"+id] {
			continue
		}
		rep.add(Detail{ID: id, Kind: kind, PID: m.PID, Method: MethodPattern}, errStillRunning)
	}
	return rep
}

// CleanupStrayChildren walks the direct children of ppid and terminates
// any managed child the current instance does not account for. It catches
// strays that never made it into the registry.
func (g *Guardian) CleanupStrayChildren(ctx context.Context, ppid int) Report {
	var rep Report
	children, err := g.ops.FindChildren(ctx, ppid)
	if err != nil {
		g.logger.Warn("child scan failed", "ppid", ppid, "error", err)
		return rep
	}
	current := make(map[string]bool)
	for _, e := range g.reg.CurrentProcesses() {
		current[string(e.Kind)+"/"+e.ID] = true
	}
	for _, c := range children {
		cl, ok := g.ops.CommandLine(c.PID)
		if !ok {
			continue
		}
		kind, id, managed := ParseCommand(cl)
		if !managed || current[string(kind)+"/"+id] {
			continue
		}
		d := Detail{ID: id, Kind: kind, PID: c.PID, Method: MethodPID}
		rep.add(d, g.terminate(ctx, c.PID))
	}
	metrics.AddOrphansCleaned(rep.Cleaned)
	metrics.AddOrphanFailures(rep.Failed)
	return rep
}
