// Package server provides the HTTP server exposing the compliance check API,
// the dashboard, and the /metrics, /health, /ready, and /config endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/compliance-checker/compliance-checker/internal/checker"
	"github.com/compliance-checker/compliance-checker/internal/config"
	"github.com/compliance-checker/compliance-checker/internal/restrictions"
	"github.com/compliance-checker/compliance-checker/internal/scheduler"
)

var httpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "acc_http_requests_total",
		Help: "Total HTTP requests by path and status code.",
	},
	[]string{"path", "code"},
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
}

// Server is the HTTP server for the compliance checker.
type Server struct {
	httpServer   *http.Server
	config       *config.Config
	checker      *checker.Checker
	restrictions *restrictions.Loader
	queue        *scheduler.TaskQueue
	ready        atomic.Bool
	logger       *logrus.Entry

	bulkMu sync.Mutex
	bulks  map[string]*bulkRun
}

// NewServer creates a new HTTP server configured from cfg. Forced refreshes
// requested through the API are enqueued on queue so handlers never block on
// an Addepar round trip.
func NewServer(cfg *config.Config, chk *checker.Checker, rl *restrictions.Loader, queue *scheduler.TaskQueue, logger *logrus.Entry) *Server {
	s := &Server{
		config:       cfg,
		checker:      chk,
		restrictions: rl,
		queue:        queue,
		logger:       logger.WithField("component", "server"),
		bulks:        make(map[string]*bulkRun),
	}

	r := chi.NewRouter()
	r.Use(s.countRequests)

	// --- Dashboard ---
	r.Get("/", s.handleDashboard)

	// --- Compliance API ---
	r.Get("/api/check", s.handleCheck)
	r.Post("/api/check/bulk", s.handleBulkCheck)
	r.Get("/api/check/bulk/{id}", s.handleBulkResult)
	r.Get("/api/check/bulk/{id}/download", s.handleBulkDownload)
	r.Get("/api/clients/status", s.handleClientsStatus)
	r.Post("/api/refresh", s.handleRefresh)

	// --- Prometheus metrics ---
	r.Mount("/metrics", promhttp.Handler())

	// --- Health / readiness / config ---
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/config", s.handleConfig)

	// --- pprof ---
	if cfg.Server.EnablePprof {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		s.logger.Info("pprof endpoints enabled under /debug/pprof/")
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP in a background goroutine. It returns immediately.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
			errCh <- err
		}
		close(errCh)
	}()

	// Give the listener a moment to bind; surface immediate errors.
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
		// Likely started successfully.
	}

	return nil
}

// Stop performs a graceful shutdown of the HTTP server. The provided context
// controls the maximum time to wait for in-flight requests to complete.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// SetReady updates the readiness state exposed by the /ready endpoint.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// countRequests records per-path request counts on the default registry.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
