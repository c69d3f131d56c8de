// Package server exposes the signing lifecycle over REST and streams ledger
// events over a WebSocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gezibash/arc-sign/internal/auth"
	"github.com/gezibash/arc-sign/internal/coordinator"
	"github.com/gezibash/arc-sign/internal/ephemeral"
	"github.com/gezibash/arc-sign/internal/events"
	"github.com/gezibash/arc-sign/internal/middleware"
	"github.com/gezibash/arc-sign/internal/observability"
	"github.com/gezibash/arc-sign/pkg/logging"
)

const (
	DefaultMaxUploadBytes = 16 << 20
	defaultMemoryBytes    = 4 << 20
)

// Config configures the HTTP surface.
type Config struct {
	Addr              string
	MaxUploadBytes    int64
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	// TrustProxy takes the client IP from X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// AllowedOrigins restricts WebSocket origins. Empty allows same-origin
	// requests only; "*" allows any.
	AllowedOrigins []string

	RateLimit RateLimitConfig
	WebSocket WebSocketConfig
}

// RateLimitConfig configures the per-caller request limiter.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

// WebSocketConfig bounds one WebSocket connection.
type WebSocketConfig struct {
	// MessagesPerSecond and Burst limit client messages.
	MessagesPerSecond float64
	Burst             int
	// MaxSubscriptions caps documents watched per connection.
	MaxSubscriptions int
	PingInterval     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = 120
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.WebSocket.MessagesPerSecond <= 0 {
		c.WebSocket.MessagesPerSecond = 5
	}
	if c.WebSocket.Burst <= 0 {
		c.WebSocket.Burst = 10
	}
	if c.WebSocket.MaxSubscriptions <= 0 {
		c.WebSocket.MaxSubscriptions = 64
	}
	if c.WebSocket.PingInterval <= 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
}

// Deps are the components the server fronts.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Auth        *auth.Authenticator
	Hub         events.Hub
	// Ephemeral backs the rate limiter. Nil disables rate limiting.
	Ephemeral ephemeral.Store
	Metrics   *observability.Metrics
	Logger    *logging.Logger
	// Checks are reported by /health.
	Checks map[string]observability.HealthCheck
}

// Server is the HTTP API.
type Server struct {
	cfg     Config
	co      *coordinator.Coordinator
	auth    *auth.Authenticator
	hub     events.Hub
	metrics *observability.Metrics
	log     *logging.Logger
	handler http.Handler

	http     *http.Server
	listener net.Listener
}

// New builds the router. Call Start to listen.
func New(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:     cfg,
		co:      deps.Coordinator,
		auth:    deps.Auth,
		hub:     deps.Hub,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
	if s.log == nil {
		s.log = logging.New(nil)
	}
	s.log = s.log.WithComponent("http")
	s.handler = s.routes(deps)
	return s
}

func (s *Server) routes(deps Deps) http.Handler {
	chain := &middleware.Chain{Pre: []middleware.Hook{middleware.RequestID()}}
	if s.cfg.RateLimit.Enabled && deps.Ephemeral != nil {
		chain.Pre = append(chain.Pre, middleware.RateLimit(deps.Ephemeral, s.cfg.RateLimit.Requests, s.cfg.RateLimit.Window, s.metrics))
	}

	r := chi.NewRouter()
	if s.cfg.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(observability.HTTPMiddleware(s.metrics, routePattern))
	r.Use(s.recoverer)
	r.Use(s.auth.Optional)
	r.Use(chain.Handler(s.writeError))
	r.Use(s.accessLog)

	requireAuth := s.auth.Require(s.writeError)

	r.Get("/health", observability.HealthHandler(deps.Checks).ServeHTTP)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/nonce", s.handleNonce)
		r.Post("/verify", s.handleLogin)
	})

	r.Route("/documents", func(r chi.Router) {
		r.With(requireAuth).Post("/", s.handleCreate)
		r.With(requireAuth).Post("/estimate", s.handleEstimateCreate)
		r.Get("/user/{address}", s.handleUserDocuments)
		r.Get("/{hash}", s.handleGetDocument)
		r.Get("/{hash}/signers", s.handleGetSigners)
		r.With(requireAuth).Post("/{hash}/revoke", s.handleRevoke)
	})

	r.Route("/signatures/{hash}", func(r chi.Router) {
		r.Get("/", s.handleProgress)
		r.With(requireAuth).Post("/sign", s.handleSign)
		r.With(requireAuth).Post("/estimate", s.handleEstimateSign)
		r.Post("/verify", s.handleVerify)
		r.Get("/{signer}", s.handleGetSignature)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, notFound("no such route"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody(r, invalidInput("method not allowed")))
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on cfg.Addr and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = lis
	s.http = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Slog().Handler(), slog.LevelWarn),
	}
	go func() {
		s.log.Info("http server starting", "addr", lis.Addr().String())
		if err := s.http.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests until ctx ends, then closes the rest.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("graceful stop timed out, forcing")
		return s.http.Close()
	}
	return err
}
