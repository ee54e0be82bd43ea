package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/triageline/relay/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		Addr:                   ":0",
		AgentWSURL:             "wss://agent.example.com/v1/convai",
		AgentHandshakeTimeout:  time.Second,
		ExtractInterval:        time.Second,
		CollaboratorTimeout:    time.Second,
		ClientHandshakeTimeout: time.Second,
		MaxJSONMessageBytes:    64 * 1024,
		WSWriteTimeout:         time.Second,
		WSPingInterval:         time.Second,
		WSOutboundQueueSize:    16,
	}
}

func testServer() *Server {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(testConfig(), logger, Collaborators{})
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"code":"not_found"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_Healthz_Reachable(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_Readyz_ReportsDraining(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d before draining, want 200", rr.Code)
	}

	s.SetDraining()

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d while draining, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"draining":true`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_CallRoute_RejectsDrainingBeforeUpgrade(t *testing.T) {
	s := testServer()
	s.SetDraining()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/call", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"draining"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
}

func TestServer_HandoffRoute_RejectsGet(t *testing.T) {
	s := testServer()

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/handoff", nil))

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want 405", rr.Code)
	}
}
