package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/auth"
	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/internal/validation"
)

// Node is the part of the uplink pipeline exposed over HTTP.
type Node interface {
	Transmit(ctx context.Context, payload []byte, fPort uint8, confirmed bool) (uplink.Result, error)
	Status(ctx context.Context) (uplink.Status, error)
	RequestLinkCheck()
}

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	node      Node
	auth      *auth.JWTManager
	validator *validation.Validator
	downlinks *DownlinkLog
	metrics   http.Handler
	started   time.Time
	router    chi.Router
	server    *http.Server
}

// Option configures a RESTServer.
type Option func(*RESTServer)

// WithMetricsHandler mounts h at the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *RESTServer) { s.metrics = h }
}

// WithDownlinkLog serves downlinks recorded in l instead of a private log.
func WithDownlinkLog(l *DownlinkLog) Option {
	return func(s *RESTServer) { s.downlinks = l }
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, node Node, opts ...Option) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		node:      node,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		started:   time.Now(),
		router:    chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.downlinks == nil {
		s.downlinks = NewDownlinkLog(cfg.API.DownlinkHistory)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Downlinks returns the log served by GET /api/v1/downlinks.
func (s *RESTServer) Downlinks() *DownlinkLog {
	return s.downlinks
}

// Handler returns the root handler.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	origins := s.config.API.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Method(http.MethodGet, s.config.Metrics.Path, s.metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Bool("auth", s.authEnabled()).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *RESTServer) authEnabled() bool {
	return s.config.JWT.Secret != ""
}

type contextKey string

const claimsKey contextKey = "claims"

// authMiddleware is the authentication middleware. Without a JWT secret the
// API is open.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireWrite rejects read-only tokens.
func (s *RESTServer) requireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authEnabled() {
			claims, ok := r.Context().Value(claimsKey).(*auth.Claims)
			if !ok || !claims.CanWrite() {
				s.respondError(w, http.StatusForbidden, "token lacks write scope")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
