package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Health check statuses reported per dependency and overall.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// serviceName identifies the coordinator in health payloads.
const serviceName = "order-coordinator"

// ServerConfig holds the observability endpoint settings.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
}

// DefaultServerConfig returns the default endpoint settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
	}
}

// HealthStatus is the /health response: the coordinator's overall state
// plus the per-dependency checks (database, exchange) behind it.
type HealthStatus struct {
	Service   string           `json:"service"`
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is one dependency's health result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthChecker reports one dependency's health.
type HealthChecker func() Check

// Server serves the Prometheus metrics and health endpoints.
type Server struct {
	cfg        ServerConfig
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewServer creates the observability server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics_server"),
		checkers:  make(map[string]HealthChecker),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	mux.HandleFunc("/ready", s.readyHandler)
	mux.HandleFunc("/live", s.liveHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// RegisterHealthCheck adds a named dependency check.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Start launches the server in the background.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server",
		"port", s.cfg.Port,
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server error", "err", err)
		}
	}()

	return nil
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// runChecks evaluates every registered dependency check. The coordinator is
// healthy only when all of its dependencies are.
func (s *Server) runChecks() (map[string]Check, bool) {
	s.mu.RLock()
	checkers := make(map[string]HealthChecker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mu.RUnlock()

	checks := make(map[string]Check, len(checkers))
	healthy := true
	for name, checker := range checkers {
		check := checker()
		checks[name] = check
		if check.Status != StatusHealthy {
			healthy = false
		}
	}
	return checks, healthy
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	checks, healthy := s.runChecks()

	status := HealthStatus{
		Service:   serviceName,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    s.Uptime().String(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		status.Status = StatusUnhealthy
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// readyHandler reports whether the coordinator can serve its cycles; the
// database and exchange checks must pass.
func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if _, healthy := s.runChecks(); !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// liveHandler reports process liveness only; dependency checks are not
// consulted here.
func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}
