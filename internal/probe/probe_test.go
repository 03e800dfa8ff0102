package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/pingsantohq/healthagent/pkg/types"
)

func TestRegistryResolveIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register("HTTP", ProtocolFunc(func(ctx context.Context, address string) (types.HealthOutcome, error) {
		return types.HealthOutcome{Status: types.StatusHealthy}, nil
	}))

	if _, ok := r.Resolve("http"); !ok {
		t.Fatalf("expected http protocol to resolve")
	}
	if _, ok := r.Resolve("icmp"); ok {
		t.Fatalf("did not expect icmp to resolve")
	}
}

func TestDefaultRegistryMonitorTypes(t *testing.T) {
	r := DefaultRegistry("")
	got := r.MonitorTypes()
	want := []string{"dns", "http", "tcp"}
	if len(got) != len(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v got %v", want, got)
		}
	}

	r.Only([]string{"tcp"})
	if remaining := r.MonitorTypes(); len(remaining) != 1 || remaining[0] != "tcp" {
		t.Fatalf("expected only tcp after filtering, got %v", remaining)
	}
}

func TestHTTPProtocolStatusMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/broken":
			w.WriteHeader(http.StatusInternalServerError)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer server.Close()

	p := NewHTTPProtocol(server.Client())
	cases := map[string]types.HealthStatus{
		"/ok":     types.StatusHealthy,
		"/broken": types.StatusUnhealthy,
		"/gone":   types.StatusNotExists,
		"/teapot": types.StatusFaulty,
	}
	for path, want := range cases {
		outcome, err := p.CheckHealth(context.Background(), server.URL+path)
		if err != nil {
			t.Fatalf("CheckHealth %s: %v", path, err)
		}
		if outcome.Status != want {
			t.Fatalf("%s: expected %s got %s", path, want, outcome.Status)
		}
		if outcome.Details["code"] == "" {
			t.Fatalf("%s: expected status code detail", path)
		}
	}
}

func TestHTTPProtocolReturnsContextErrorOnTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := NewHTTPProtocol(server.Client()).CheckHealth(ctx, server.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestTCPProtocol(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().String()

	p := NewTCPProtocol()
	outcome, err := p.CheckHealth(context.Background(), addr)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if outcome.Status != types.StatusHealthy {
		t.Fatalf("expected healthy got %s", outcome.Status)
	}

	ln.Close()
	outcome, err = p.CheckHealth(context.Background(), addr)
	if err != nil {
		t.Fatalf("expected refused dial to classify, got error %v", err)
	}
	if outcome.Status != types.StatusOffline {
		t.Fatalf("expected offline after listener closed, got %s", outcome.Status)
	}
}

func TestDNSProtocol(t *testing.T) {
	addr := startDNSServer(t)
	p := NewDNSProtocol(addr)

	outcome, err := p.CheckHealth(context.Background(), "ok.test")
	if err != nil {
		t.Fatalf("CheckHealth ok: %v", err)
	}
	if outcome.Status != types.StatusHealthy || outcome.Details["answers"] != "1" {
		t.Fatalf("unexpected outcome for ok.test: %+v", outcome)
	}

	outcome, err = p.CheckHealth(context.Background(), "missing.test@"+addr)
	if err != nil {
		t.Fatalf("CheckHealth missing: %v", err)
	}
	if outcome.Status != types.StatusNotExists || outcome.Details["rcode"] != "NXDOMAIN" {
		t.Fatalf("unexpected outcome for missing.test: %+v", outcome)
	}

	outcome, err = p.CheckHealth(context.Background(), "fail.test")
	if err != nil {
		t.Fatalf("CheckHealth fail: %v", err)
	}
	if outcome.Status != types.StatusUnhealthy {
		t.Fatalf("expected SERVFAIL to be unhealthy, got %+v", outcome)
	}
}

func startDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			switch r.Question[0].Name {
			case "ok.test.":
				m.SetReply(r)
				rr, _ := dns.NewRR("ok.test. 60 IN A 127.0.0.1")
				m.Answer = append(m.Answer, rr)
			case "fail.test.":
				m.SetRcode(r, dns.RcodeServerFailure)
			default:
				m.SetRcode(r, dns.RcodeNameError)
			}
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	<-started
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}
