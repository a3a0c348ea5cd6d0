package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/craigderington/portswitch/internal/proxy"
	"github.com/craigderington/portswitch/pkg/types"
)

// Store persists named targets and the last applied proxy configuration
type Store interface {
	SaveTarget(ctx context.Context, target *types.NamedTarget) error
	GetTarget(ctx context.Context, name string) (*types.NamedTarget, error)
	ListTargets(ctx context.Context) ([]*types.NamedTarget, error)
	DeleteTarget(ctx context.Context, name string) error
	SaveConfig(ctx context.Context, config types.ProxyConfig) error
	LoadConfig(ctx context.Context) (types.ProxyConfig, error)
}

// BreakerStats reports per-target circuit breaker state
type BreakerStats interface {
	GetAllStats() map[string]proxy.CircuitBreakerStats
}

// Server represents the control API server
type Server struct {
	addr              string
	supervisor        *proxy.Supervisor
	store             Store
	breakers          BreakerStats
	defaultListenPort uint16
	router            *mux.Router
	server            *http.Server
	metrics           *Metrics
	gatherer          prometheus.Gatherer
	events            *WebSocketManager
	limiter           *WriteLimiter
	logger            zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Addr       string
	Logger     zerolog.Logger
	Supervisor *proxy.Supervisor
	Store      Store // Optional persistent storage
	// Breakers exposes circuit breaker state when the dialer has one
	Breakers BreakerStats
	// ListenPort used when activating a named target with no port given
	ListenPort uint16
	// Registry for API metrics and the /metrics endpoint; nil uses the default registry
	Registry *prometheus.Registry
	// RateLimit in state changes per second per client; 0 disables limiting.
	// Reads are never limited.
	RateLimit float64
	RateBurst int
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if config.Registry != nil {
		reg = config.Registry
		gatherer = config.Registry
	}

	metrics := NewMetrics(reg)

	s := &Server{
		addr:              config.Addr,
		supervisor:        config.Supervisor,
		store:             config.Store,
		breakers:          config.Breakers,
		defaultListenPort: config.ListenPort,
		router:            mux.NewRouter(),
		metrics:           metrics,
		gatherer:          gatherer,
		events:            NewWebSocketManager(metrics),
		logger:            config.Logger.With().Str("component", "api").Logger(),
	}

	if config.RateLimit > 0 {
		s.limiter = NewWriteLimiter(config.RateLimit, config.RateBurst)
	}

	s.events.Start()
	s.supervisor.Subscribe(s.events.BroadcastStatus)

	if s.store != nil {
		s.refreshTargetGauge(context.Background())
	}

	s.setupRoutes()

	// No write timeout: disabling the proxy waits for its connections to drain
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	// Apply CORS to main router first
	s.router.Use(s.corsMiddleware)

	s.router.Handle("/metrics", HandleMetrics(s.gatherer)).Methods("GET")

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Middleware
	api.Use(s.loggingMiddleware)
	api.Use(s.metrics.Middleware)
	api.Use(s.rateLimitMiddleware)

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")

	// Proxy operations
	api.HandleFunc("/proxy", s.handleGetProxy).Methods("GET", "OPTIONS")
	api.HandleFunc("/proxy", s.handleSetProxy).Methods("PUT", "OPTIONS")
	api.HandleFunc("/proxy", s.handleDisableProxy).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/proxy/breakers", s.handleGetBreakers).Methods("GET", "OPTIONS")

	// Named targets
	api.HandleFunc("/targets", s.handleListTargets).Methods("GET", "OPTIONS")
	api.HandleFunc("/targets", s.handleCreateTarget).Methods("POST", "OPTIONS")
	api.HandleFunc("/targets/{name}", s.handleGetTarget).Methods("GET", "OPTIONS")
	api.HandleFunc("/targets/{name}", s.handleUpdateTarget).Methods("PUT", "OPTIONS")
	api.HandleFunc("/targets/{name}", s.handleDeleteTarget).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/targets/{name}/activate", s.handleActivateTarget).Methods("POST", "OPTIONS")

	// Status event stream
	api.HandleFunc("/events", s.events.HandleWebSocket).Methods("GET")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("Starting API server")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down API server")

	s.events.Stop()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Helper functions for JSON responses
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
