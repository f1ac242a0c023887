// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sidekick Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the host is ready to accept commands.
type ReadinessChecker func() bool

// Metrics contains the custom Prometheus metrics for the sidekick host.
// It doubles as the supervisor's lifecycle observer so plugin starts,
// stops, and crashes feed the gauges without extra plumbing.
type Metrics struct {
	PluginsRunning  prometheus.Gauge
	PluginStarts    *prometheus.CounterVec
	PluginCrashes   *prometheus.CounterVec
	DispatchesTotal *prometheus.CounterVec
	ChunksTotal     prometheus.Counter
	TimeoutsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers the sidekick metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PluginsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sidekick_plugins_running",
			Help: "Number of plugin processes currently alive",
		}),
		PluginStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_plugin_starts_total",
				Help: "Total number of plugin process starts by plugin",
			},
			[]string{"plugin"},
		),
		PluginCrashes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_plugin_crashes_total",
				Help: "Total number of plugin crashes and protocol failures by plugin",
			},
			[]string{"plugin"},
		),
		DispatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_dispatches_total",
				Help: "Total number of dispatched commands by command and status",
			},
			[]string{"command", "status"},
		),
		ChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sidekick_response_chunks_total",
			Help: "Total number of response chunks relayed from plugins",
		}),
		TimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sidekick_command_timeouts_total",
				Help: "Total number of command dispatches that exceeded their deadline",
			},
			[]string{"command"},
		),
	}

	reg.MustRegister(
		m.PluginsRunning,
		m.PluginStarts,
		m.PluginCrashes,
		m.DispatchesTotal,
		m.ChunksTotal,
		m.TimeoutsTotal,
	)
	return m
}

// PluginStarted records a plugin process start.
func (m *Metrics) PluginStarted(name string) {
	m.PluginsRunning.Inc()
	m.PluginStarts.WithLabelValues(name).Inc()
}

// PluginStopped records a graceful plugin stop.
func (m *Metrics) PluginStopped(string) {
	m.PluginsRunning.Dec()
}

// PluginCrashed records an unexpected plugin death.
func (m *Metrics) PluginCrashed(name string) {
	m.PluginsRunning.Dec()
	m.PluginCrashes.WithLabelValues(name).Inc()
}

// RecordDispatch records one completed dispatch.
func (m *Metrics) RecordDispatch(command, status string) {
	m.DispatchesTotal.WithLabelValues(command, status).Inc()
}

// RecordChunk records one relayed response chunk.
func (m *Metrics) RecordChunk() {
	m.ChunksTotal.Inc()
}

// RecordTimeout records a dispatch that blew its deadline.
func (m *Metrics) RecordTimeout(command string) {
	m.TimeoutsTotal.WithLabelValues(command).Inc()
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// Use CompareAndSwap to atomically transition from running to stopped.
	// This prevents a race where a concurrent Start() could succeed between
	// checking the running state and setting it to false.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the host is ready to accept commands,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
