package probe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestServiceProbe_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := ServiceProbe{Service: "router", URL: srv.URL}
	res := p.Check(context.Background())
	if !res.Healthy || res.Severity != SeverityInfo {
		t.Fatalf("200 response must be healthy, got %+v", res)
	}
	if res.Name != "service:router" {
		t.Fatalf("unexpected probe name %q", res.Name)
	}
	if res.Data["status"] != http.StatusOK {
		t.Fatalf("expected status 200 in data, got %v", res.Data["status"])
	}
}

func TestServiceProbe_ClientErrorStillHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := ServiceProbe{Service: "gateway", URL: srv.URL}
	res := p.Check(context.Background())
	if !res.Healthy {
		t.Fatalf("4xx means the service is up and answering, got %+v", res)
	}
}

func TestServiceProbe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := ServiceProbe{Service: "router", URL: srv.URL}
	res := p.Check(context.Background())
	if res.Healthy || res.Severity != SeverityCritical {
		t.Fatalf("503 must be unhealthy/critical, got %+v", res)
	}
	if res.Data["failure"] != "server-error" {
		t.Fatalf("expected server-error failure, got %v", res.Data["failure"])
	}
}

func TestServiceProbe_Refused(t *testing.T) {
	// Bind then close to get a port that is almost certainly not listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	url := "http://" + ln.Addr().String() + "/health"
	_ = ln.Close()

	p := ServiceProbe{Service: "router", URL: url}
	res := p.Check(context.Background())
	if res.Healthy || res.Severity != SeverityCritical {
		t.Fatalf("refused connection must be unhealthy/critical, got %+v", res)
	}
	if res.Data["failure"] != "unreachable" {
		t.Fatalf("expected unreachable failure, got %v", res.Data["failure"])
	}
}

func TestServiceProbe_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	p := ServiceProbe{
		Service: "gateway",
		URL:     srv.URL,
		Client:  &http.Client{Timeout: 50 * time.Millisecond},
	}
	res := p.Check(context.Background())
	if res.Healthy || res.Severity != SeverityWarning {
		t.Fatalf("timeout must be unhealthy/warning, got %+v", res)
	}
	if res.Data["failure"] != "timeout" {
		t.Fatalf("expected timeout failure, got %v", res.Data["failure"])
	}
}
