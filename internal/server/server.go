// Package server exposes the gateway over HTTP.
//
// Routes:
//   - GET /api/v1/ws/chat?provider=<id>&client_id=<id>  websocket chat channel
//   - GET /api/v1/providers                             provider table and backup chain
//   - GET /health/live, /health/ready, /health/startup  Kubernetes probes
//   - GET /healthz                                      alias of readiness
//   - GET /metrics                                      Prometheus exposition
//
// Shutdown fails readiness first, then stops every chat session and
// drains the remaining HTTP requests.
package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/llmgate/internal/health"
	"github.com/felixgeelhaar/llmgate/internal/log"
	"github.com/felixgeelhaar/llmgate/internal/metrics"
	"github.com/felixgeelhaar/llmgate/internal/provider"
)

// Server is the gateway's HTTP front end.
type Server struct {
	httpServer      *http.Server
	probes          *health.ProbeManager
	gateway         *Gateway
	logger          *log.Logger
	inShutdown      atomic.Bool
	shutdownTimeout time.Duration
}

// Config holds listener settings. Zero durations take the defaults below.
type Config struct {
	// Address is the listen address, e.g. "0.0.0.0:9033"
	Address string

	// ShutdownTimeout bounds Shutdown (default 30s)
	ShutdownTimeout time.Duration

	// ReadTimeout bounds reading a request's headers (default 10s)
	ReadTimeout time.Duration

	// WriteTimeout bounds plain HTTP responses (default 10s). Websocket
	// connections are hijacked and not subject to it.
	WriteTimeout time.Duration

	// IdleTimeout bounds keep-alive idleness (default 60s)
	IdleTimeout time.Duration
}

// NewServer wires the routes. gatherer may be nil to omit /metrics.
func NewServer(cfg Config, probes *health.ProbeManager, gateway *Gateway, gatherer prometheus.Gatherer, logger *log.Logger) *Server {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	s := &Server{
		probes:          probes,
		gateway:         gateway,
		logger:          log.OrDefault(logger).With("component", "server"),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	probes.SetConnected(gateway.Connected)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)
	mux.HandleFunc("GET /health/startup", s.handleStartup)
	mux.HandleFunc("GET /healthz", s.handleReadiness)
	mux.HandleFunc("GET /api/v1/providers", s.handleProviders)
	mux.HandleFunc("GET /api/v1/ws/chat", gateway.HandleChat)
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.HandlerFor(gatherer))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the route multiplexer.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and serves until Shutdown.
// It returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.probes.MarkInitialized()
	s.logger.Info("listening", "address", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown marks the server as draining, stops every chat session and
// then shuts the HTTP server down, all within ShutdownTimeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.inShutdown.Store(true)
	s.probes.MarkShutdown()
	s.httpServer.SetKeepAlivesEnabled(false)

	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	if err := s.gateway.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Warn("chat sessions did not stop in time")
	}
	return s.httpServer.Shutdown(ctx)
}

// IsShuttingDown reports whether Shutdown has been called.
func (s *Server) IsShuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("response write failed", "error", err.Error())
	}
}

func (s *Server) writeProbe(w http.ResponseWriter, result *health.ProbeResult, unhealthyStatus int) {
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = unhealthyStatus
	}
	s.writeJSON(w, status, result)
}

// Liveness always answers 200; a restart would not fix a draining process.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.probes.CheckLiveness(r.Context()), http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.probes.CheckReadiness(r.Context()), http.StatusServiceUnavailable)
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	s.writeProbe(w, s.probes.CheckStartup(r.Context()), http.StatusServiceUnavailable)
}

// ProvidersResponse is the body of GET /api/v1/providers.
type ProvidersResponse struct {
	Providers   []provider.Descriptor `json:"providers"`
	Models      map[string]string     `json:"models"`
	Primary     string                `json:"primary"`
	BackupChain []string              `json:"backup_chain"`
	Connected   []string              `json:"connected"`
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	table := s.gateway.cfg.Table
	descriptors := table.Descriptors()
	models := make(map[string]string, len(descriptors))
	for _, d := range descriptors {
		models[d.ID] = d.ModelName
	}
	chain := s.gateway.cfg.Chain
	s.writeJSON(w, http.StatusOK, ProvidersResponse{
		Providers:   descriptors,
		Models:      models,
		Primary:     chain[0],
		BackupChain: chain,
		Connected:   s.gateway.Connected(),
	})
}
