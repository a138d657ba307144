// Package checker runs the health probes, folds their results into one
// overall status and decides when a failure pattern warrants invoking the
// recovery executor. Event-driven monitoring is the primary path; a
// low-frequency fallback poll re-runs the process and service probes as a
// safety net for failures no event reported.
package checker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haloapp/sentinel/internal/events"
	"github.com/haloapp/sentinel/internal/guardian"
	"github.com/haloapp/sentinel/internal/journal"
	"github.com/haloapp/sentinel/internal/metrics"
	"github.com/haloapp/sentinel/internal/platform"
	"github.com/haloapp/sentinel/internal/probe"
	"github.com/haloapp/sentinel/internal/recovery"
	"github.com/haloapp/sentinel/internal/registry"
)

// Status is the aggregated health of the whole subsystem.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultPollInterval is the fallback polling cadence when none is
// configured.
const DefaultPollInterval = time.Minute

// Aggregate folds probe results into one status: any unhealthy critical
// result makes the whole unhealthy, any remaining non-info severity makes
// it degraded.
func Aggregate(results []probe.Result) Status {
	st := StatusHealthy
	for _, r := range results {
		if !r.Healthy && r.Severity == probe.SeverityCritical {
			return StatusUnhealthy
		}
		if r.Severity != probe.SeverityInfo {
			st = StatusDegraded
		}
	}
	return st
}

// State is the diagnostics snapshot of the health subsystem.
type State struct {
	Status              Status         `json:"status"`
	InstanceID          string         `json:"instanceId"`
	StartedAt           time.Time      `json:"startedAt"`
	ConsecutiveFailures int            `json:"consecutiveFailures"`
	RecoveryAttempts    int            `json:"recoveryAttempts"`
	PollingActive       bool           `json:"pollingActive"`
	Enabled             bool           `json:"enabled"`
	LastStartupCheck    []probe.Result `json:"lastStartupCheck,omitempty"`
	RecentEvents        []events.Event `json:"recentEvents,omitempty"`
}

// KindCount pairs how many processes of one kind the registry expects with
// how many are verifiably alive.
type KindCount struct {
	Expected int `json:"expected"`
	Alive    int `json:"alive"`
}

// ImmediateReport is the synchronous snapshot RunImmediateCheck returns.
type ImmediateReport struct {
	Timestamp time.Time                   `json:"timestamp"`
	Status    Status                      `json:"status"`
	Processes map[registry.Kind]KindCount `json:"processes"`
	Services  []probe.Result              `json:"services"`
}

// StrayCleaner is the guardian capability the ppid scan uses.
type StrayCleaner interface {
	CleanupStrayChildren(ctx context.Context, ppid int) guardian.Report
}

// Options wires the checker's collaborators.
type Options struct {
	Registry     *registry.Registry
	Stray        StrayCleaner
	Ops          platform.Ops
	Bus          *events.Bus
	Executor     *recovery.Executor
	Probes       []probe.Probe
	Journal      *journal.DB
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Checker owns HealthSystemState. A poll tick, an event handler and an
// on-demand check may run concurrently; all state updates go through one
// mutex.
type Checker struct {
	reg          *registry.Registry
	stray        StrayCleaner
	ops          platform.Ops
	bus          *events.Bus
	exec         *recovery.Executor
	probes       []probe.Probe
	jrnl         *journal.DB
	pollInterval time.Duration
	logger       *slog.Logger

	mu                  sync.Mutex
	results             map[string]probe.Result
	status              Status
	startedAt           time.Time
	consecutiveFailures int
	recoveryAttempts    int
	enabled             bool
	lastStartup         []probe.Result
	quit                chan struct{}
	done                chan struct{}

	escalating atomic.Bool
	unsub      func()
}

// New wires a checker and subscribes it to the bus when both a bus and an
// executor are present. Call Close to detach.
func New(opts Options) *Checker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Ops == nil {
		opts.Ops = platform.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Checker{
		reg:          opts.Registry,
		stray:        opts.Stray,
		ops:          opts.Ops,
		bus:          opts.Bus,
		exec:         opts.Executor,
		probes:       opts.Probes,
		jrnl:         opts.Journal,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger,
		results:      make(map[string]probe.Result),
		status:       StatusHealthy,
		startedAt:    time.Now(),
		enabled:      true,
	}
	if c.bus != nil && c.exec != nil {
		c.unsub = c.bus.Subscribe(c.handleEvent)
	}
	return c
}

// Status returns the current aggregated status.
func (c *Checker) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Enabled reports whether automatic monitoring reacts to ticks and events.
func (c *Checker) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetEnabled toggles automatic monitoring. Explicit calls such as
// RunStartupChecks and RunImmediateCheck run regardless.
func (c *Checker) SetEnabled(v bool) {
	c.mu.Lock()
	c.enabled = v
	c.mu.Unlock()
}

// State snapshots the subsystem for diagnostics.
func (c *Checker) State() State {
	c.mu.Lock()
	st := State{
		Status:              c.status,
		StartedAt:           c.startedAt,
		ConsecutiveFailures: c.consecutiveFailures,
		RecoveryAttempts:    c.recoveryAttempts,
		PollingActive:       c.quit != nil,
		Enabled:             c.enabled,
		LastStartupCheck:    append([]probe.Result(nil), c.lastStartup...),
	}
	c.mu.Unlock()
	if c.reg != nil {
		st.InstanceID = c.reg.InstanceID()
	}
	if c.bus != nil {
		st.RecentEvents = c.bus.Recent()
	}
	return st
}

// RunStartupChecks runs every probe once, in order, and aggregates the
// results into the initial status. Each result is journaled.
func (c *Checker) RunStartupChecks(ctx context.Context) []probe.Result {
	results := make([]probe.Result, 0, len(c.probes))
	for _, p := range c.probes {
		res := c.runProbe(ctx, p)
		results = append(results, res)
	}
	c.mu.Lock()
	c.lastStartup = append([]probe.Result(nil), results...)
	c.mu.Unlock()
	st := c.finishPass(true)
	c.journalStartup(ctx, results)
	c.logger.Info("startup checks finished", "status", st, "probes", len(results))
	return results
}

// RunImmediateCheck compares the registry's expectations against live PIDs
// per kind and re-probes every service endpoint. Entries without a recorded
// PID cannot be verified and are skipped.
func (c *Checker) RunImmediateCheck(ctx context.Context) ImmediateReport {
	rep := ImmediateReport{
		Timestamp: time.Now(),
		Processes: make(map[registry.Kind]KindCount),
	}
	if c.reg != nil {
		for _, e := range c.reg.CurrentProcesses() {
			if e.PID <= 0 {
				continue
			}
			kc := rep.Processes[e.Kind]
			kc.Expected++
			if c.ops.IsAlive(e.PID) {
				kc.Alive++
			}
			rep.Processes[e.Kind] = kc
		}
	}
	for kind, kc := range rep.Processes {
		if kc.Alive < kc.Expected && c.bus != nil {
			c.bus.Emit(events.TypeWarning, events.CategoryProcess, "checker",
				fmt.Sprintf("%d of %d %s processes alive", kc.Alive, kc.Expected, kind),
				map[string]any{"kind": string(kind), "expected": kc.Expected, "alive": kc.Alive})
		}
	}
	for _, p := range c.probes {
		if !strings.HasPrefix(p.Name(), "service:") {
			continue
		}
		rep.Services = append(rep.Services, c.runProbe(ctx, p))
	}
	rep.Status = c.finishPass(true)
	return rep
}

// RunPpidScanAndCleanup sweeps the direct children of this process for
// managed strays the registry never captured and terminates them.
func (c *Checker) RunPpidScanAndCleanup(ctx context.Context) guardian.Report {
	if c.stray == nil {
		return guardian.Report{}
	}
	rep := c.stray.CleanupStrayChildren(ctx, os.Getpid())
	if rep.Cleaned == 0 && rep.Failed == 0 {
		return rep
	}
	if c.bus != nil {
		typ := events.TypeWarning
		if rep.Failed > 0 {
			typ = events.TypeCritical
		}
		c.bus.Emit(typ, events.CategoryProcess, "checker",
			fmt.Sprintf("stray child sweep: %d cleaned, %d failed", rep.Cleaned, rep.Failed),
			map[string]any{"cleaned": rep.Cleaned, "failed": rep.Failed})
	}
	c.journalCleanup(ctx, rep)
	return rep
}

// RecheckConfig re-runs only the config probe. The settings watcher calls
// it when settings.json changes.
func (c *Checker) RecheckConfig(ctx context.Context) {
	for _, p := range c.probes {
		if p.Name() != "config" {
			continue
		}
		c.runProbe(ctx, p)
	}
	c.finishPass(false)
}

// StartPolling launches the fallback poll loop. Starting twice is a no-op.
func (c *Checker) StartPolling() {
	c.mu.Lock()
	if c.quit != nil {
		c.mu.Unlock()
		return
	}
	quit := make(chan struct{})
	done := make(chan struct{})
	c.quit, c.done = quit, done
	c.mu.Unlock()
	go c.pollLoop(quit, done)
}

// StopPolling stops the loop and waits for an in-flight check to finish.
// Stopping twice, or before starting, is a no-op.
func (c *Checker) StopPolling() {
	c.mu.Lock()
	quit, done := c.quit, c.done
	c.quit, c.done = nil, nil
	c.mu.Unlock()
	if quit == nil {
		return
	}
	close(quit)
	<-done
}

// Close stops polling and detaches from the event bus.
func (c *Checker) Close() {
	c.StopPolling()
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

func (c *Checker) pollLoop(quit, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.pollInterval)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			c.pollOnce(context.Background())
		}
	}
}

// pollOnce re-runs the process and service probes. Ticks run inline on the
// loop goroutine, so polls never overlap each other.
func (c *Checker) pollOnce(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	for _, p := range c.probes {
		name := p.Name()
		if name != "process" && !strings.HasPrefix(name, "service:") {
			continue
		}
		c.runProbe(ctx, p)
	}
	c.finishPass(true)
}

// runProbe executes one probe, records its metrics, merges the result into
// the rolling result set and publishes it on the bus.
func (c *Checker) runProbe(ctx context.Context, p probe.Probe) probe.Result {
	start := time.Now()
	res := p.Check(ctx)
	metrics.ObserveProbe(p.Name(), res.Healthy, time.Since(start).Seconds())
	c.mu.Lock()
	c.results[res.Name] = res
	c.mu.Unlock()
	c.publish(res)
	return res
}

// publish turns a probe result into a bus event. Unhealthy service results
// additionally bump the service's consecutive-error counter, so repeated
// poll failures escalate the same way reported network errors do; a healthy
// result breaks the streak. Quiet healthy results are not emitted.
func (c *Checker) publish(res probe.Result) {
	if c.bus == nil {
		return
	}
	data := res.Data
	if strings.HasPrefix(res.Name, "service:") {
		if res.Healthy {
			c.bus.ResetError(res.Name)
		} else {
			count := c.bus.TrackError(res.Name)
			merged := map[string]any{"consecutiveErrors": count}
			for k, v := range res.Data {
				merged[k] = v
			}
			data = merged
		}
	}
	if res.Healthy && res.Severity == probe.SeverityInfo {
		return
	}
	c.bus.Emit(typeFor(res.Severity), categoryFor(res.Name), res.Name, res.Message, data)
}

// finishPass recomputes the aggregate over the merged results and updates
// the gauges. Full passes also advance or reset the consecutive-failure
// count; single-probe rechecks only refresh the status.
func (c *Checker) finishPass(fullPass bool) Status {
	c.mu.Lock()
	rs := make([]probe.Result, 0, len(c.results))
	for _, r := range c.results {
		rs = append(rs, r)
	}
	st := Aggregate(rs)
	c.status = st
	if fullPass {
		if st == StatusUnhealthy {
			c.consecutiveFailures++
		} else {
			c.consecutiveFailures = 0
		}
	}
	c.mu.Unlock()
	metrics.SetHealthStatus(string(st))
	if c.reg != nil {
		s := c.reg.Stats()
		metrics.SetRegistryProcesses(s.CurrentProcesses, s.OrphanProcesses)
	}
	return st
}

// handleEvent is the bus subscription: critical events whose source has an
// error counter are checked against the escalation policy, and a selected
// strategy runs on its own goroutine so the emitter is never blocked. At
// most one escalation runs at a time.
func (c *Checker) handleEvent(ev events.Event) {
	if ev.Type != events.TypeCritical || !c.Enabled() {
		return
	}
	if ev.Category == events.CategoryRecovery || ev.Category == events.CategorySystem {
		return
	}
	count := c.bus.ErrorCount(ev.Source)
	if count == 0 {
		return
	}
	st, ok := c.exec.Policy().Select(ev.Source, count)
	if !ok {
		return
	}
	if !c.escalating.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer c.escalating.Store(false)
		c.escalate(context.Background(), st, ev.Source, ev.Message, count)
	}()
}

// escalate runs the selected strategy. A failed engine reset counts one
// more error against the source, pushing it toward the app-restart
// threshold.
func (c *Checker) escalate(ctx context.Context, st recovery.Strategy, source, message string, count int) {
	c.logger.Info("escalating to recovery", "source", source, "consecutive", count, "strategy", st.ID)
	var res recovery.Result
	if st.RequiresConsent {
		res = c.exec.ExecuteInteractive(ctx, st.ID, count, message)
	} else {
		res = c.exec.Execute(ctx, st.ID, false)
	}
	c.mu.Lock()
	c.recoveryAttempts++
	c.mu.Unlock()
	if !res.Success {
		c.logger.Warn("recovery failed", "strategy", res.Strategy, "message", res.Message)
		if st.ID == recovery.StrategyResetEngine {
			c.bus.TrackError(source)
		}
	}
}

func (c *Checker) journalStartup(ctx context.Context, results []probe.Result) {
	if c.jrnl == nil {
		return
	}
	instance := ""
	if c.reg != nil {
		instance = c.reg.InstanceID()
	}
	for _, r := range results {
		rec := journal.Record{
			InstanceID: instance,
			Kind:       journal.KindStartup,
			Subject:    r.Name,
			Success:    r.Healthy,
			Detail:     r.Message,
		}
		if err := c.jrnl.Append(ctx, rec); err != nil {
			c.logger.Warn("journal append failed", "probe", r.Name, "error", err)
			return
		}
	}
}

func (c *Checker) journalCleanup(ctx context.Context, rep guardian.Report) {
	if c.jrnl == nil {
		return
	}
	instance := ""
	if c.reg != nil {
		instance = c.reg.InstanceID()
	}
	rec := journal.Record{
		InstanceID: instance,
		Kind:       journal.KindCleanup,
		Subject:    "ppid-scan",
		Success:    rep.Failed == 0,
		Detail:     fmt.Sprintf("cleaned %d, failed %d", rep.Cleaned, rep.Failed),
	}
	if err := c.jrnl.Append(ctx, rec); err != nil {
		c.logger.Warn("journal append failed", "subject", "ppid-scan", "error", err)
	}
}

func typeFor(sev probe.Severity) events.Type {
	switch sev {
	case probe.SeverityCritical:
		return events.TypeCritical
	case probe.SeverityWarning:
		return events.TypeWarning
	}
	return events.TypeInfo
}

func categoryFor(name string) events.Category {
	switch {
	case name == "config":
		return events.CategoryConfig
	case name == "disk":
		return events.CategoryDisk
	case name == "port":
		return events.CategoryPort
	case name == "process":
		return events.CategoryProcess
	case strings.HasPrefix(name, "service:"):
		return events.CategoryService
	}
	return events.CategorySystem
}
