package web

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 172.16.0.1")
	if got := ClientIP(req); got != "10.0.0.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	if got := ClientIP(req); got != "192.0.2.1" {
		t.Fatalf("expected remote host, got %q", got)
	}
}

func TestDecodeJSONRejectsUnknownFieldsAndTrailers(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","extra":1}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dest, 1024); err == nil {
		t.Fatalf("unknown fields must be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}{"name":"b"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dest, 1024); err == nil {
		t.Fatalf("trailing JSON values must be rejected")
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dest, 1024); err != nil {
		t.Fatalf("valid body rejected: %v", err)
	}
	if dest.Name != "a" {
		t.Fatalf("decoded value wrong: %q", dest.Name)
	}
}

func TestDecodeJSONEnforcesByteCap(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}
	body := `{"name":"` + strings.Repeat("x", 100) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if err := DecodeJSON(httptest.NewRecorder(), req, &dest, 16); err == nil {
		t.Fatalf("oversized body must be rejected")
	}
}

func busyPort(t *testing.T) (net.Listener, int) {
	t.Helper()
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("bind anchor port: %v", err)
	}
	return listener, listener.Addr().(*net.TCPAddr).Port
}

func TestProbeListenSkipsBusyPorts(t *testing.T) {
	base, basePort := busyPort(t)
	defer base.Close()

	listener, port, err := ProbeListen(basePort, 3)
	if err != nil {
		t.Fatalf("probe should skip the busy port: %v", err)
	}
	defer listener.Close()
	if port == basePort {
		t.Fatalf("probe returned the busy port %d", port)
	}
	if port <= basePort || port > basePort+2 {
		t.Fatalf("probed port %d outside window starting at %d", port, basePort)
	}
}

func TestProbeListenExhaustsWindow(t *testing.T) {
	first, firstPort := busyPort(t)
	defer first.Close()

	if _, _, err := ProbeListen(firstPort, 1); err == nil {
		t.Fatalf("a one-port window on a busy port must fail")
	}
}
