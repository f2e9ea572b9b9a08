package statsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/balancer/logger"
	"github.com/migadu/balancer/pkg/retry"
	"github.com/migadu/balancer/server/proxy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Covers a predecessor draining for up to about a minute.
var defaultBindRetry = retry.BackoffConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
	Jitter:          true,
	MaxRetries:      40,
}

// StatsSource is the read side of the proxy.
type StatsSource interface {
	Stats() proxy.Stats
}

// Server serves Prometheus metrics and JSON statistics.
type Server struct {
	addr         string
	metricsPath  string
	apiKey       string
	allowedHosts []string
	source       StatsSource
	bindRetry    retry.BackoffConfig
	server       *http.Server
}

// ServerOptions holds configuration options for the stats server
type ServerOptions struct {
	Addr         string
	MetricsPath  string
	APIKey       string
	AllowedHosts []string
	// BindRetry overrides the backoff used while the address is in use.
	BindRetry *retry.BackoffConfig
}

// New creates a new stats server
func New(source StatsSource, options ServerOptions) (*Server, error) {
	if source == nil {
		return nil, errors.New("stats source is required")
	}
	path := options.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("metrics path must start with '/': %q", path)
	}

	s := &Server{
		addr:         options.Addr,
		metricsPath:  path,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		source:       source,
		bindRetry:    defaultBindRetry,
	}
	if options.BindRetry != nil {
		s.bindRetry = *options.BindRetry
	}
	return s, nil
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// During a handoff the draining predecessor may still hold the address, so
// EADDRINUSE is retried with backoff.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var ln net.Listener
	err := retry.WithRetry(ctx, "stats API listen", s.bindRetry, func() error {
		l, err := net.Listen("tcp", s.addr)
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				return err
			}
			return retry.Stop(err)
		}
		ln = l
		return nil
	})
	if err != nil {
		return fmt.Errorf("stats API listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Stats API: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Stats API: error during shutdown", "error", err)
		}
	}()

	logger.Info("Stats API: listening", "addr", ln.Addr().String(), "metrics_path", s.metricsPath)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stats API server failed: %w", err)
	}
	return nil
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/backends", s.handleBackends).Methods("GET")
	v1.HandleFunc("/backends/{address}", s.handleBackend).Methods("GET")
	v1.HandleFunc("/pool", s.handlePool).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Stats API: request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := remoteIP(r)
		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteIP uses the socket peer only; this endpoint is not meant to sit
// behind the balancer itself, so forwarded headers are not trusted.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Stats API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Handler functions

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Stats())
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"algorithm": st.Algorithm,
		"backends":  st.Backends,
	})
}

func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	for _, b := range s.source.Stats().Backends {
		if b.Address == address {
			s.writeJSON(w, http.StatusOK, b)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "Backend not found")
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	if !st.PoolEnabled {
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"stats":   st.Pool,
	})
}

// handleHealthz is 200 while at least one backend is UP and the process is
// not draining, 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := s.source.Stats()
	healthy := 0
	for _, b := range st.Backends {
		if b.Healthy {
			healthy++
		}
	}

	status := "ok"
	code := http.StatusOK
	switch {
	case st.Draining:
		status, code = "draining", http.StatusServiceUnavailable
	case healthy == 0:
		status, code = "no_healthy_backends", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{
		"status":           status,
		"healthy_backends": healthy,
		"total_backends":   len(st.Backends),
		"active_sessions":  st.ActiveSessions,
	})
}
