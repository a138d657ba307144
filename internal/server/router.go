package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"

	"github.com/haloapp/sentinel/internal/checker"
	"github.com/haloapp/sentinel/internal/events"
	"github.com/haloapp/sentinel/internal/guardian"
	"github.com/haloapp/sentinel/internal/metrics"
	"github.com/haloapp/sentinel/internal/registry"
)

// Router provides embeddable HTTP handlers for local diagnostics.
// Endpoints:
//   GET  {basePath}/healthz        liveness (alias of /healthz/live)
//   GET  {basePath}/healthz/live   process liveness
//   GET  {basePath}/healthz/ready  readiness; fails while status is unhealthy
//   GET  {basePath}/status         aggregated health state snapshot
//   GET  {basePath}/events         recent events, oldest first
//   GET  {basePath}/registry       registry stats plus current and orphan entries
//   GET  {basePath}/metrics        Prometheus metrics
//   POST {basePath}/check          run an immediate check, returns the report
//   POST {basePath}/cleanup        run an orphan sweep, returns the report
// basePath may be empty or start with '/'; no trailing slash.

// Cleaner runs the orphan sweep behind POST /cleanup. The endpoint exists so
// external tooling never mutates the registry file behind the owning process.
type Cleaner interface {
	CleanupOrphans(ctx context.Context) guardian.Report
}

// Options carries the collaborators the router exposes. Nil fields disable
// the corresponding endpoints with 503 responses.
type Options struct {
	Checker  *checker.Checker
	Registry *registry.Registry
	Bus      *events.Bus
	Cleaner  Cleaner
}

type Router struct {
	opts     Options
	health   healthcheck.Handler
	basePath string
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/status, /abc/events, ...
func NewRouter(opts Options, basePath string) *Router {
	h := healthcheck.NewHandler()
	h.AddReadinessCheck("health-status", func() error {
		if opts.Checker != nil && opts.Checker.Status() == checker.StatusUnhealthy {
			return errors.New("aggregated status is unhealthy")
		}
		return nil
	})
	return &Router{opts: opts, health: h, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", gin.WrapF(r.health.LiveEndpoint))
	group.GET("/healthz/live", gin.WrapF(r.health.LiveEndpoint))
	group.GET("/healthz/ready", gin.WrapF(r.health.ReadyEndpoint))
	group.GET("/status", r.handleStatus)
	group.GET("/events", r.handleEvents)
	group.GET("/registry", r.handleRegistry)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.POST("/check", r.handleCheck)
	group.POST("/cleanup", r.handleCleanup)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// addr must resolve to a loopback interface; the diagnostics surface is
// local-only and never exposed to the network. The returned server can be
// shut down via http.Server's Shutdown or Close.
func NewServer(addr, basePath string, opts Options) (*http.Server, error) {
	if !isLoopbackAddr(addr) {
		return nil, fmt.Errorf("diagnostics server must bind a loopback address, got %q", addr)
	}
	r := NewRouter(opts, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type registryResp struct {
	Stats   registry.Stats          `json:"stats"`
	Current []registry.ProcessEntry `json:"current"`
	Orphans []registry.ProcessEntry `json:"orphans"`
}

func (r *Router) handleStatus(c *gin.Context) {
	if r.opts.Checker == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "checker not available"})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Checker.State())
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.opts.Bus == nil {
		writeJSON(c, http.StatusOK, []events.Event{})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Bus.Recent())
}

func (r *Router) handleRegistry(c *gin.Context) {
	if r.opts.Registry == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "registry not available"})
		return
	}
	writeJSON(c, http.StatusOK, registryResp{
		Stats:   r.opts.Registry.Stats(),
		Current: r.opts.Registry.CurrentProcesses(),
		Orphans: r.opts.Registry.OrphanProcesses(),
	})
}

func (r *Router) handleCheck(c *gin.Context) {
	if r.opts.Checker == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "checker not available"})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Checker.RunImmediateCheck(c.Request.Context()))
}

func (r *Router) handleCleanup(c *gin.Context) {
	if r.opts.Cleaner == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "cleanup not available"})
		return
	}
	writeJSON(c, http.StatusOK, r.opts.Cleaner.CleanupOrphans(c.Request.Context()))
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
