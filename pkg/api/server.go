// Package api serves read-mostly inspection endpoints for a running client:
// connectivity, breaker state, Prometheus metrics and cache maintenance.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"resilient-client/pkg/client"
	"resilient-client/pkg/logging"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server provides HTTP endpoints for client inspection and monitoring.
type Server struct {
	client   *client.Client
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	server   *http.Server
	config   ServerConfig
	started  time.Time
	listener net.Listener
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer exposes g on /metrics. Without it the route is not registered.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates an inspection server for c.
func NewServer(c *client.Client, config ServerConfig, opts ...Option) *Server {
	s := &Server{
		client:  c,
		config:  config,
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "api")

	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      s.Router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Router returns the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/cache/invalidate", s.handleInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/cache", s.handleClear).Methods(http.MethodDelete)

	// Groups are paths themselves, so the variable spans slashes.
	r.HandleFunc("/breakers/{group:.+}/reset", s.handleBreakerReset).Methods(http.MethodPost)
	return r
}

// Start listens on the configured address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("inspection server listening", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("inspection server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Address
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online":    s.client.Monitor().Status(),
		"breakers":  s.client.Breakers().Snapshot(),
		"cache":     s.client.Cache() != nil,
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
	})
}

// handleInvalidate removes cached responses whose URL starts with ?prefix=.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "prefix parameter is required"})
		return
	}

	cache := s.client.Cache()
	if cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "offline cache is disabled"})
		return
	}

	n, err := cache.InvalidateRelated(r.Context(), prefix)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix, "removed": n})
}

// handleClear removes cached responses whose URL contains ?pattern=, or all of them.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	cache := s.client.Cache()
	if cache == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "offline cache is disabled"})
		return
	}

	pattern := r.URL.Query().Get("pattern")
	n, err := cache.Clear(r.Context(), pattern)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pattern": pattern, "removed": n})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	if !strings.HasPrefix(group, "/") {
		group = "/" + group
	}

	if !s.client.Breakers().Reset(group) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown breaker group", "group": group})
		return
	}
	s.logger.Info("breaker reset via api", zap.String("group", group))
	writeJSON(w, http.StatusOK, map[string]any{"group": group, "state": "CLOSED"})
}

// logRequests logs each request against its route template.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		s.logger.Debug("inspection request",
			zap.String("method", r.Method),
			zap.String("route", routeOf(r)),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func routeOf(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tpl
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
