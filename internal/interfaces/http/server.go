package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/interfaces/alerts"
	"github.com/sawpanic/liqradar/internal/metrics"
	"github.com/sawpanic/liqradar/internal/net/circuit"
	"github.com/sawpanic/liqradar/internal/ops"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// CircuitSource exposes breaker stats by dependency.
type CircuitSource interface {
	Stats() map[string]circuit.Stats
	UnhealthyProviders() []string
}

// AlertJournal reads back delivered alerts.
type AlertJournal interface {
	Recent(ctx context.Context, symbol string, limit int) ([]alerts.JournalRow, error)
}

// DegradeSource exposes the degradation tracker.
type DegradeSource interface {
	Stats() ops.DegradeStats
}

// Deps are the read-only sources the server reports on.
type Deps struct {
	Collector *metrics.Collector
	Circuits  CircuitSource
	Degrader  DegradeSource
	Journal   AlertJournal
	Version   string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig binds to localhost only.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "127.0.0.1:9108",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the read-only monitoring server.
type Server struct {
	router *mux.Router
	server *http.Server
	config ServerConfig
	deps   Deps
	start  time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates the server; nothing listens until Start.
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
		start:  time.Now(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.deps.Journal != nil {
		s.router.HandleFunc("/alerts/recent", s.handleRecentAlerts).Methods(http.MethodGet)
	}
	if s.deps.Collector != nil {
		s.router.Handle("/metrics", s.deps.Collector.Handler()).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found", "path": r.URL.Path})
	})
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("address %s is busy or unavailable: %w", s.config.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	if !strings.HasPrefix(s.config.Addr, "127.0.0.1") && !strings.HasPrefix(s.config.Addr, "localhost") {
		log.Warn().Str("addr", s.config.Addr).Msg("Monitoring server is not bound to localhost")
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server (read-only)")

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Addr is the bound address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
