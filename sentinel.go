// Package sentinel implements the system health subsystem of the Halo
// desktop app: a durable process registry, orphan process cleanup, health
// probes with escalating recovery, an event bus with error tracking and a
// local diagnostics endpoint.
package sentinel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haloapp/sentinel/internal/checker"
	cfg "github.com/haloapp/sentinel/internal/config"
	"github.com/haloapp/sentinel/internal/events"
	"github.com/haloapp/sentinel/internal/guardian"
	"github.com/haloapp/sentinel/internal/journal"
	"github.com/haloapp/sentinel/internal/logger"
	"github.com/haloapp/sentinel/internal/metrics"
	"github.com/haloapp/sentinel/internal/platform"
	"github.com/haloapp/sentinel/internal/probe"
	"github.com/haloapp/sentinel/internal/recovery"
	"github.com/haloapp/sentinel/internal/registry"
	iapi "github.com/haloapp/sentinel/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type ServiceConfig = cfg.ServiceConfig

type PortsConfig = cfg.PortsConfig

type CheckerConfig = cfg.CheckerConfig

type ServerConfig = cfg.ServerConfig

type JournalConfig = cfg.JournalConfig

type MetricsConfig = cfg.MetricsConfig

type LogConfig = logger.Config

type Event = events.Event

type ProbeResult = probe.Result

type ProcessEntry = registry.ProcessEntry

type Kind = registry.Kind

type RegistryStats = registry.Stats

type HealthStatus = checker.Status

type HealthState = checker.State

type ImmediateReport = checker.ImmediateReport

type CleanupReport = guardian.Report

type RecoveryResult = recovery.Result

type StrategyID = recovery.StrategyID

// Collaborators implemented by the host app.

type AppController = recovery.AppController

type Dialog = recovery.Dialog

type Notifier = recovery.Notifier

// Process kinds tracked by the registry.
const (
	KindSession    = registry.KindSession
	KindTunnel     = registry.KindTunnel
	KindRouter     = registry.KindRouter
	KindHTTPServer = registry.KindHTTPServer
)

// Aggregated health status values.
const (
	StatusHealthy   = checker.StatusHealthy
	StatusDegraded  = checker.StatusDegraded
	StatusUnhealthy = checker.StatusUnhealthy
)

// Recovery strategy identifiers.
const (
	StrategyRestartProcess = recovery.StrategyRestartProcess
	StrategyResetEngine    = recovery.StrategyResetEngine
	StrategyRestartApp     = recovery.StrategyRestartApp
	StrategyFactoryReset   = recovery.StrategyFactoryReset
)

// Options carries the host-app collaborators the subsystem cannot build
// itself. All fields are optional: a zero Config selects the defaults under
// ~/.halo, nil collaborators disable the dialog, notification or session
// teardown they would serve, and a nil Logger builds one from the config.
type Options struct {
	Config         Config
	App            AppController
	Dialog         Dialog
	Notifier       Notifier
	SessionCleanup func(ctx context.Context) error
	Logger         *slog.Logger
}

// Sentinel owns the subsystem lifecycle. New wires the components, Start
// runs the startup sequence and begins monitoring, Stop tears down and
// marks a clean exit in the registry.
type Sentinel struct {
	cfg    Config
	logger *slog.Logger

	reg   *registry.Registry
	guard *guardian.Guardian
	bus   *events.Bus
	jrnl  *journal.DB
	exec  *recovery.Executor
	chk   *checker.Checker

	watcher *checker.SettingsWatcher
	usage   *metrics.UsageCollector
	srv     *http.Server

	mu      sync.Mutex
	started bool
}

// New builds the subsystem from opts without starting any background work.
func New(opts Options) (*Sentinel, error) {
	c := opts.Config
	c.ApplyDefaults()
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	log := opts.Logger
	if log == nil {
		lc := c.Log
		if lc == nil {
			lc = &logger.Config{}
		}
		log = lc.NewSlogger()
	}
	policy, err := recovery.LoadPolicy(c.Recovery.PolicyPath)
	if err != nil {
		return nil, err
	}

	reg := registry.New(c.RegistryPath(), log)
	guard := guardian.New(reg, platform.Default(), log)
	bus := events.New(log, policy.DecayWindow.Duration())

	var jrnl *journal.DB
	if c.Journal.On() {
		jrnl, err = journal.New(c.Journal.Path)
		if err == nil {
			err = jrnl.EnsureSchema(context.Background())
		}
		if err != nil {
			// The journal is an audit trail, not a dependency.
			log.Warn("journal disabled", "path", c.Journal.Path, "error", err)
			jrnl = nil
		}
	}

	exec := recovery.NewExecutor(recovery.ExecutorOptions{
		Policy:         policy,
		Registry:       reg,
		Cleaner:        guard,
		Bus:            bus,
		SessionCleanup: opts.SessionCleanup,
		App:            opts.App,
		Dialog:         opts.Dialog,
		Notifier:       opts.Notifier,
		Journal:        jrnl,
		Logger:         log,
	})

	chk := checker.New(checker.Options{
		Registry:     reg,
		Stray:        guard,
		Ops:          platform.Default(),
		Bus:          bus,
		Executor:     exec,
		Probes:       buildProbes(c, reg, guard),
		Journal:      jrnl,
		PollInterval: c.Checker.PollInterval,
		Logger:       log,
	})

	s := &Sentinel{
		cfg:    c,
		logger: log,
		reg:    reg,
		guard:  guard,
		bus:    bus,
		jrnl:   jrnl,
		exec:   exec,
		chk:    chk,
	}
	if c.Checker.WatchEnabled() {
		s.watcher = checker.NewSettingsWatcher(c.SettingsPath(), func() {
			chk.RecheckConfig(context.Background())
		}, log)
	}
	if c.Metrics.On() && c.Metrics.Usage.Enabled {
		s.usage = metrics.NewUsageCollector(metrics.UsageConfig{
			Enabled:  true,
			Interval: c.Metrics.Usage.Interval,
		}, s.usageTargets)
	}
	return s, nil
}

func buildProbes(c Config, reg *registry.Registry, guard *guardian.Guardian) []probe.Probe {
	probes := []probe.Probe{
		probe.ConfigProbe{Path: c.SettingsPath()},
		probe.DiskProbe{Path: c.DataDir},
		probe.PortProbe{Start: c.Ports.Start, End: c.Ports.End},
		probe.ProcessProbe{Registry: reg, Cleaner: guard},
	}
	for _, svc := range c.Services {
		probes = append(probes, probe.ServiceProbe{Service: svc.Name, URL: svc.URL()})
	}
	return probes
}

func (s *Sentinel) usageTargets() []metrics.Target {
	entries := s.reg.CurrentProcesses()
	targets := make([]metrics.Target, 0, len(entries))
	for _, e := range entries {
		if e.PID <= 0 {
			continue
		}
		targets = append(targets, metrics.Target{Kind: string(e.Kind), ID: e.ID, PID: e.PID})
	}
	return targets
}

// Start brings the subsystem online: it reads the previous clean-exit
// marker, opens a new instance epoch, sweeps orphans left by previous
// instances, runs the startup checks and ppid scan, then begins fallback
// polling, the settings watcher and the diagnostics endpoint.
func (s *Sentinel) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("sentinel already started")
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.Metrics.On() {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			s.logger.Warn("metrics registration failed", "error", err)
		}
		if s.usage != nil {
			if err := s.usage.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
				s.logger.Warn("usage metrics registration failed", "error", err)
			} else if err := s.usage.Start(ctx); err != nil {
				s.logger.Warn("usage sampling failed to start", "error", err)
			}
		}
	}

	// Read the marker before MarkInstanceStart rewrites the file.
	wasClean := s.reg.WasLastExitClean()
	instance := s.reg.MarkInstanceStart()
	s.logger.Info("sentinel starting", "instance", instance, "lastExitClean", wasClean)
	if !wasClean {
		s.bus.Emit(events.TypeWarning, events.CategorySystem, "sentinel",
			"previous instance exited uncleanly", nil)
	}

	if rep := s.guard.CleanupOrphans(ctx); rep.Cleaned > 0 || rep.Failed > 0 {
		s.logger.Info("startup orphan sweep", "cleaned", rep.Cleaned, "failed", rep.Failed)
	}
	s.chk.RunStartupChecks(ctx)
	s.chk.RunPpidScanAndCleanup(ctx)
	s.chk.StartPolling()
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.logger.Warn("settings watcher unavailable", "error", err)
		}
	}
	if s.cfg.Server.Enabled {
		srv, err := iapi.NewServer(s.cfg.Server.Listen, s.cfg.Server.BasePath, s.serverOptions())
		if err != nil {
			return fmt.Errorf("diagnostics server: %w", err)
		}
		s.srv = srv
	}
	return nil
}

// Stop ends monitoring, closes the diagnostics endpoint and the journal,
// and marks a clean exit so the next start can tell a crash from a normal
// shutdown. Safe to call once after Start.
func (s *Sentinel) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = s.srv.Shutdown(shutdownCtx)
		cancel()
		s.srv = nil
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.chk.Close()
	if s.usage != nil {
		s.usage.Stop()
	}
	if s.jrnl != nil {
		_ = s.jrnl.Close()
	}
	s.reg.MarkCleanExit()
	s.logger.Info("sentinel stopped")
}

func (s *Sentinel) serverOptions() iapi.Options {
	return iapi.Options{
		Checker:  s.chk,
		Registry: s.reg,
		Bus:      s.bus,
		Cleaner:  s.guard,
	}
}

// --- Registry wrappers ---

func (s *Sentinel) RegisterProcess(id string, kind Kind, pid int) { s.reg.Register(id, kind, pid) }
func (s *Sentinel) UnregisterProcess(id string, kind Kind)       { s.reg.Unregister(id, kind) }
func (s *Sentinel) Heartbeat(id string, kind Kind)               { s.reg.UpdateHeartbeat(id, kind) }
func (s *Sentinel) Processes() []ProcessEntry                    { return s.reg.CurrentProcesses() }
func (s *Sentinel) Orphans() []ProcessEntry                      { return s.reg.OrphanProcesses() }
func (s *Sentinel) Stats() RegistryStats                         { return s.reg.Stats() }

// --- Checker wrappers ---

func (s *Sentinel) State() HealthState      { return s.chk.State() }
func (s *Sentinel) Status() HealthStatus    { return s.chk.Status() }
func (s *Sentinel) SetMonitoring(v bool)    { s.chk.SetEnabled(v) }
func (s *Sentinel) MonitoringEnabled() bool { return s.chk.Enabled() }

func (s *Sentinel) RunStartupChecks(ctx context.Context) []ProbeResult {
	return s.chk.RunStartupChecks(ctx)
}

func (s *Sentinel) RunImmediateCheck(ctx context.Context) ImmediateReport {
	return s.chk.RunImmediateCheck(ctx)
}

// --- Guardian wrappers ---

func (s *Sentinel) CleanupOrphans(ctx context.Context) CleanupReport {
	return s.guard.CleanupOrphans(ctx)
}

// SweepOrphans opens a short-lived instance epoch, sweeps every process
// left behind by previous instances and restores the clean-exit marker.
// For tooling use when no monitor is running; on a started Sentinel the
// epoch is already open and this is a plain orphan sweep.
func (s *Sentinel) SweepOrphans(ctx context.Context) CleanupReport {
	s.mu.Lock()
	running := s.started
	s.mu.Unlock()
	if running {
		return s.guard.CleanupOrphans(ctx)
	}
	s.reg.MarkInstanceStart()
	rep := s.guard.CleanupOrphans(ctx)
	s.reg.MarkCleanExit()
	return rep
}

// --- Event wrappers ---

func (s *Sentinel) RecentEvents() []Event { return s.bus.Recent() }

// ReportAgentError feeds an agent failure into error tracking. Repeated
// failures for the same conversation escalate to recovery.
func (s *Sentinel) ReportAgentError(conversationID, message string) int {
	return s.bus.ReportAgentError("agent:"+conversationID, message, nil)
}

// ReportNetworkError feeds a service failure into error tracking.
func (s *Sentinel) ReportNetworkError(service, message string, status int, err error) int {
	return s.bus.ReportNetworkError("service:"+service, message, status, err)
}

// SubscribeEvents registers fn for every event; the returned function
// unsubscribes.
func (s *Sentinel) SubscribeEvents(fn func(Event)) func() {
	return s.bus.Subscribe(fn)
}

// --- Recovery wrappers ---

// ExecuteRecovery runs a strategy by id. Consent-gated strategies refuse
// unless consented is true.
func (s *Sentinel) ExecuteRecovery(ctx context.Context, id StrategyID, consented bool) RecoveryResult {
	return s.exec.Execute(ctx, id, consented)
}

// RestartProcess runs the targeted S1 variant against one registry entry.
func (s *Sentinel) RestartProcess(ctx context.Context, procID string, kind Kind) RecoveryResult {
	return s.exec.RestartProcess(ctx, procID, kind)
}

// --- Embedding helpers ---

// DiagnosticsHandler returns the diagnostics routes for mounting into the
// host app's own HTTP server.
func (s *Sentinel) DiagnosticsHandler(basePath string) http.Handler {
	return iapi.NewRouter(s.serverOptions(), basePath).Handler()
}

// NewDiagnosticsServer starts a standalone diagnostics server on addr.
// addr must be a loopback address.
func (s *Sentinel) NewDiagnosticsServer(addr, basePath string) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.serverOptions())
}

// LoadConfig reads the sentinel TOML config at path. An empty path or a
// missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	return cfg.Load(path)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It returns any immediate listen error; otherwise it runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	http.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           nil,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
