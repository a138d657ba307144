package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haloapp/sentinel/internal/checker"
	"github.com/haloapp/sentinel/internal/events"
	"github.com/haloapp/sentinel/internal/guardian"
	"github.com/haloapp/sentinel/internal/probe"
	"github.com/haloapp/sentinel/internal/registry"
)

type stubProbe struct {
	name string
	mu   sync.Mutex
	res  probe.Result
}

func (p *stubProbe) Name() string { return p.name }

func (p *stubProbe) Check(_ context.Context) probe.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := p.res
	res.Name = p.name
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	return res
}

func (p *stubProbe) set(res probe.Result) {
	p.mu.Lock()
	p.res = res
	p.mu.Unlock()
}

type stubCleaner struct {
	mu     sync.Mutex
	calls  int
	report guardian.Report
}

func (s *stubCleaner) CleanupOrphans(_ context.Context) guardian.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.report
}

func (s *stubCleaner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	handler http.Handler
	chk     *checker.Checker
	bus     *events.Bus
	reg     *registry.Registry
	cleaner *stubCleaner
	svc     *stubProbe
}

func setupRouter(t *testing.T, base string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(filepath.Join(t.TempDir(), "registry.json"), logger)
	reg.MarkInstanceStart()
	bus := events.New(logger, time.Minute)
	svc := &stubProbe{name: "service:router", res: probe.Result{Healthy: true, Severity: probe.SeverityInfo, Message: "ok"}}
	chk := checker.New(checker.Options{Registry: reg, Bus: bus, Probes: []probe.Probe{svc}, Logger: logger})
	t.Cleanup(chk.Close)
	cleaner := &stubCleaner{report: guardian.Report{Cleaned: 2}}
	r := NewRouter(Options{Checker: chk, Registry: reg, Bus: bus, Cleaner: cleaner}, base)
	return &fixture{handler: r.Handler(), chk: chk, bus: bus, reg: reg, cleaner: cleaner, svc: svc}
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body: %v (%s)", err, rec.Body.String())
	}
}

func TestLivenessAlwaysUp(t *testing.T) {
	f := setupRouter(t, "")
	for _, path := range []string{"/healthz", "/healthz/live"} {
		rec := doReq(t, f.handler, http.MethodGet, path)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestReadinessFollowsStatus(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodGet, "/healthz/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while healthy, got %d", rec.Code)
	}
	f.svc.set(probe.Result{Healthy: false, Severity: probe.SeverityCritical, Message: "router down"})
	f.chk.RunStartupChecks(context.Background())
	if got := f.chk.Status(); got != checker.StatusUnhealthy {
		t.Fatalf("status = %s", got)
	}
	rec = doReq(t, f.handler, http.MethodGet, "/healthz/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while unhealthy, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	f.chk.RunStartupChecks(context.Background())
	rec := doReq(t, f.handler, http.MethodGet, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st checker.State
	decodeBody(t, rec, &st)
	if st.Status != checker.StatusHealthy {
		t.Fatalf("status = %s", st.Status)
	}
	if st.InstanceID == "" {
		t.Fatalf("expected instance id in state")
	}
	if len(st.LastStartupCheck) != 1 {
		t.Fatalf("expected 1 startup result, got %d", len(st.LastStartupCheck))
	}
}

func TestEventsEndpointOldestFirst(t *testing.T) {
	f := setupRouter(t, "")
	f.bus.Emit(events.TypeInfo, events.CategorySystem, "test", "first", nil)
	f.bus.Emit(events.TypeWarning, events.CategoryProcess, "test", "second", nil)
	rec := doReq(t, f.handler, http.MethodGet, "/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []events.Event
	decodeBody(t, rec, &got)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Message != "first" || got[1].Message != "second" {
		t.Fatalf("expected oldest first, got %q then %q", got[0].Message, got[1].Message)
	}
}

func TestRegistryEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	f.reg.Register("sess-1", registry.KindSession, 4242)
	rec := doReq(t, f.handler, http.MethodGet, "/registry")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got registryResp
	decodeBody(t, rec, &got)
	if got.Stats.CurrentProcesses != 1 {
		t.Fatalf("current = %d", got.Stats.CurrentProcesses)
	}
	if len(got.Current) != 1 || got.Current[0].ID != "sess-1" {
		t.Fatalf("unexpected current entries: %+v", got.Current)
	}
	if len(got.Orphans) != 0 {
		t.Fatalf("unexpected orphans: %+v", got.Orphans)
	}
}

func TestCheckEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodPost, "/check")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rep checker.ImmediateReport
	decodeBody(t, rec, &rep)
	if rep.Status != checker.StatusHealthy {
		t.Fatalf("status = %s", rep.Status)
	}
	if len(rep.Services) != 1 || rep.Services[0].Name != "service:router" {
		t.Fatalf("unexpected services: %+v", rep.Services)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodPost, "/cleanup")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var rep guardian.Report
	decodeBody(t, rec, &rep)
	if rep.Cleaned != 2 {
		t.Fatalf("cleaned = %d", rep.Cleaned)
	}
	if f.cleaner.callCount() != 1 {
		t.Fatalf("cleaner calls = %d", f.cleaner.callCount())
	}
}

func TestBasePathPrefix(t *testing.T) {
	f := setupRouter(t, "/halo")
	if rec := doReq(t, f.handler, http.MethodGet, "/halo/status"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 under base path, got %d", rec.Code)
	}
	if rec := doReq(t, f.handler, http.MethodGet, "/status"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", rec.Code)
	}
}

func TestNilCollaborators(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(Options{}, "").Handler()
	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/status", http.StatusServiceUnavailable},
		{http.MethodGet, "/registry", http.StatusServiceUnavailable},
		{http.MethodPost, "/check", http.StatusServiceUnavailable},
		{http.MethodPost, "/cleanup", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		rec := doReq(t, h, tc.method, tc.path)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}
	rec := doReq(t, h, http.MethodGet, "/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if s := strings.TrimSpace(rec.Body.String()); s != "[]" {
		t.Fatalf("expected empty list, got %s", s)
	}
	if rec := doReq(t, h, http.MethodGet, "/healthz/ready"); rec.Code != http.StatusOK {
		t.Fatalf("readiness without checker should pass, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupRouter(t, "")
	rec := doReq(t, f.handler, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "# HELP") {
		t.Fatalf("expected prometheus exposition, got %d bytes", rec.Body.Len())
	}
}

func TestNewServerRejectsNonLoopback(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:8799", "192.168.0.10:8799", ":8799", "not-an-addr"} {
		if _, err := NewServer(addr, "", Options{}); err == nil {
			t.Fatalf("expected error for %q", addr)
		}
	}
}

func TestNewServerLoopback(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", "", Options{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer func() { _ = srv.Close() }()
	if srv.Addr != "127.0.0.1:0" {
		t.Fatalf("addr = %s", srv.Addr)
	}
}
