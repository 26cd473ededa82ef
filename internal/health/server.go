// Package health serves liveness, readiness and metrics queries over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// EngineState is the read-only view of the engine loop the endpoint reports.
// It is queried on every request.
type EngineState interface {
	IsRunning() bool
	OpenTradeCount() int
	Metrics() map[string]any
}

// Config holds configuration for the health server.
type Config struct {
	Addr            string
	Service         string
	Symbol          string
	Leverage        int
	MaxPositionSize float64
}

// Check is a named readiness probe.
type Check func(ctx context.Context) error

// Server handles the health endpoints.
type Server struct {
	cfg       Config
	engine    EngineState
	startTime time.Time
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	checks   map[string]Check
	listener net.Listener

	httpServer *http.Server
	faults     chan error
}

// NewServer creates a new health server.
func NewServer(cfg Config, engine EngineState, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "scalp-bot"
	}

	s := &Server{
		cfg:       cfg,
		engine:    engine,
		startTime: time.Now(),
		logger:    logger,
		now:       time.Now,
		checks:    make(map[string]Check),
		faults:    make(chan error, 1),
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.rootHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /metrics", s.metricsHandler)
	mux.Handle("GET /metrics/prometheus", promhttp.Handler())
	mux.HandleFunc("GET /ready", s.readyHandler)
	mux.HandleFunc("GET /live", s.liveHandler)
	return mux
}

// Name identifies the subsystem.
func (s *Server) Name() string {
	return "health"
}

// RegisterHealthCheck registers a readiness probe.
func (s *Server) RegisterHealthCheck(name string, check Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start binds the listener and serves in the background.
// Bind failures are returned; later serve failures are reported on Faults.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("health server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", "err", err)
			select {
			case s.faults <- fmt.Errorf("serve health: %w", err):
			default:
			}
		}
	}()

	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down health server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown health server: %w", err)
	}
	return nil
}

// Faults reports serve errors after a successful start.
func (s *Server) Faults() <-chan error {
	return s.faults
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

type rootResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status        string `json:"status"`
	EngineRunning bool   `json:"engine_running"`
	OpenTrades    int    `json:"open_trades"`
	Timestamp     string `json:"timestamp"`
}

type metricsResponse struct {
	Metrics map[string]any `json:"metrics"`
	Config  configView     `json:"config"`
}

type configView struct {
	Symbol          string  `json:"symbol"`
	Leverage        int     `json:"leverage"`
	MaxPositionSize float64 `json:"max_position_size"`
}

type readyResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{
		Status:    "running",
		Service:   s.cfg.Service,
		Timestamp: s.timestamp(),
	})
}

// healthHandler reports engine state read at request time.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: s.timestamp()}
	if s.engine != nil {
		resp.EngineRunning = s.engine.IsRunning()
		resp.OpenTrades = s.engine.OpenTradeCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m := map[string]any{}
	if s.engine != nil {
		if em := s.engine.Metrics(); em != nil {
			m = em
		}
	}
	writeJSON(w, http.StatusOK, metricsResponse{
		Metrics: m,
		Config: configView{
			Symbol:          s.cfg.Symbol,
			Leverage:        s.cfg.Leverage,
			MaxPositionSize: s.cfg.MaxPositionSize,
		},
	})
}

// readyHandler reports ready when the engine runs and every check passes.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(s.checks))
	for k, v := range s.checks {
		checks[k] = v
	}
	s.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := readyResponse{Status: "ready", Uptime: s.Uptime().Round(time.Second).String(), Checks: map[string]string{}}
	if s.engine == nil || !s.engine.IsRunning() {
		resp.Status = "not ready"
		resp.Checks["engine"] = "not running"
	} else {
		resp.Checks["engine"] = "ok"
	}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			resp.Status = "not ready"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// liveHandler answers as long as the process serves HTTP.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
