package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jsoncodec "github.com/drblury/eventmediator/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventmediator/internal/runtime/logging"
)

const (
	DefaultStatusPort = 8081
	StatusPath        = "/api/status"
	MetricsPath       = "/metrics"
)

// StatusServerConfig selects which endpoints are exposed and where.
type StatusServerConfig struct {
	StatusEnabled bool
	// StatusPort defaults to 8081.
	StatusPort int
	// CORSAllowedOrigins lists origins allowed to read the status endpoint.
	// Use "*" for development. Empty disables CORS headers.
	CORSAllowedOrigins []string

	MetricsEnabled bool
	// MetricsPort falls back to the status port.
	MetricsPort int
	// Gatherer defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer
}

// StatusServer exposes the mediator status and Prometheus metrics over HTTP.
// Handlers registered for the same port share one server.
type StatusServer struct {
	cfg      StatusServerConfig
	provider StatusProvider
	logger   loggingpkg.ServiceLogger

	mu      sync.Mutex
	muxes   map[int]*http.ServeMux
	servers []*http.Server
}

// NewStatusServer returns a server exposing provider on the addresses in cfg.
func NewStatusServer(provider StatusProvider, cfg StatusServerConfig, logger loggingpkg.ServiceLogger) *StatusServer {
	if cfg.StatusPort == 0 {
		cfg.StatusPort = DefaultStatusPort
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = cfg.StatusPort
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &StatusServer{cfg: cfg, provider: provider, logger: loggingpkg.OrNop(logger)}
	if cfg.StatusEnabled && provider != nil {
		s.RegisterHTTPHandler(cfg.StatusPort, StatusPath, http.HandlerFunc(s.handleGetStatus))
	}
	if cfg.MetricsEnabled {
		s.RegisterHTTPHandler(cfg.MetricsPort, MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// RegisterHTTPHandler adds a handler to the server listening on port.
func (s *StatusServer) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.muxes == nil {
		s.muxes = make(map[int]*http.ServeMux)
	}

	mux, ok := s.muxes[port]
	if !ok {
		mux = http.NewServeMux()
		s.muxes[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Handler returns the mux registered for port, or nil.
func (s *StatusServer) Handler(port int) http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mux, ok := s.muxes[port]; ok {
		return mux
	}
	return nil
}

// Start binds every registered port and serves in the background.
func (s *StatusServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for port, mux := range s.muxes {
		addr := fmt.Sprintf(":%d", port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.servers = append(s.servers, srv)
		s.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
	return nil
}

// Shutdown stops every server started by Start.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (s *StatusServer) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(s.cfg.CORSAllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		allowedOrigin := s.getAllowedCORSOrigin(origin)
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, s.provider.Snapshot()); err != nil {
		s.logger.Error("Failed to encode status", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// getAllowedCORSOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (s *StatusServer) getAllowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range s.cfg.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
