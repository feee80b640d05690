package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(DefaultServerConfig(), nil)
}

func healthyCheck() Check {
	return Check{Status: StatusHealthy}
}

func failingCheck(msg string) HealthChecker {
	return func() Check {
		return Check{Status: StatusUnhealthy, Message: msg}
	}
}

func getHealth(t *testing.T, srv *Server) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()

	rec := httptest.NewRecorder()
	srv.healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode health payload: %v", err)
	}
	return rec, status
}

func TestServer_HealthReportsAllChecks(t *testing.T) {
	srv := newTestServer(t)
	srv.RegisterHealthCheck("database", healthyCheck)
	srv.RegisterHealthCheck("exchange", healthyCheck)

	rec, status := getHealth(t, srv)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if status.Service != "order-coordinator" {
		t.Errorf("service = %q, want order-coordinator", status.Service)
	}
	if status.Status != StatusHealthy {
		t.Errorf("overall status = %q, want healthy", status.Status)
	}
	if len(status.Checks) != 2 {
		t.Errorf("checks = %d, want 2", len(status.Checks))
	}
	if status.Checks["database"].Status != StatusHealthy {
		t.Errorf("database check = %q, want healthy", status.Checks["database"].Status)
	}
}

func TestServer_OneFailingCheckMakesUnhealthy(t *testing.T) {
	srv := newTestServer(t)
	srv.RegisterHealthCheck("database", healthyCheck)
	srv.RegisterHealthCheck("exchange", failingCheck("connection refused"))

	rec, status := getHealth(t, srv)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", rec.Code)
	}
	if status.Status != StatusUnhealthy {
		t.Errorf("overall status = %q, want unhealthy", status.Status)
	}
	if status.Checks["exchange"].Message != "connection refused" {
		t.Errorf("exchange message = %q", status.Checks["exchange"].Message)
	}
}

func TestServer_ReadyFollowsChecks(t *testing.T) {
	srv := newTestServer(t)
	srv.RegisterHealthCheck("database", healthyCheck)

	rec := httptest.NewRecorder()
	srv.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}

	srv.RegisterHealthCheck("exchange", failingCheck("timeout"))

	rec = httptest.NewRecorder()
	srv.readyHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", rec.Code)
	}
}

func TestServer_LiveIgnoresChecks(t *testing.T) {
	srv := newTestServer(t)
	srv.RegisterHealthCheck("exchange", failingCheck("down"))

	rec := httptest.NewRecorder()
	srv.liveHandler(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("live status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "alive" {
		t.Errorf("live body = %q, want alive", rec.Body.String())
	}
}

func TestServer_UptimeGrows(t *testing.T) {
	srv := newTestServer(t)
	srv.startTime = time.Now().Add(-time.Minute)

	if srv.Uptime() < time.Minute {
		t.Errorf("uptime = %s, want at least 1m", srv.Uptime())
	}
}
