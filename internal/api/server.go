// Package api provides the HTTP API server and handlers for the coverage server.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/versesung/coverage-server/internal/metrics"
	"github.com/versesung/coverage-server/internal/ratelimit"
	"github.com/versesung/coverage-server/internal/service"
	"github.com/versesung/coverage-server/internal/sse"
)

// Services groups the business services used by the API server.
type Services struct {
	Coverage *service.CoverageService
	Works    *service.WorkService
	Admin    *service.AdminService
}

// Pinger reports whether the persisted store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Version        string
	AllowedOrigins []string
	// QueryLimiter limits coverage queries and event stream connects per
	// client. Nil disables limiting.
	QueryLimiter *ratelimit.KeyedRateLimiter
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	services     *Services
	store        Pinger
	sseManager   *sse.Manager
	sseHandler   *sse.Handler
	queryLimiter *ratelimit.KeyedRateLimiter
	router       *chi.Mux
	api          huma.API
	logger       *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(services *Services, store Pinger, sseManager *sse.Manager, opts Options, logger *slog.Logger) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}

	router := chi.NewRouter()

	humaConfig := huma.DefaultConfig("Scripture Coverage API", opts.Version)
	humaConfig.Transformers = append(humaConfig.Transformers, EnvelopeTransformer)

	s := &Server{
		services:     services,
		store:        store,
		sseManager:   sseManager,
		queryLimiter: opts.QueryLimiter,
		router:       router,
		logger:       logger,
	}
	if sseManager != nil {
		s.sseHandler = sse.NewHandler(sseManager, logger)
	}

	s.setupMiddleware(opts)
	s.api = humachi.New(router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerCoverageRoutes()
	s.registerWorkRoutes()
	s.registerAdminRoutes()
	s.registerRawRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// API exposes the huma API, used by tests and OpenAPI export.
func (s *Server) API() huma.API {
	return s.api
}

func (s *Server) setupMiddleware(opts Options) {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Last-Event-ID"},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))
	s.router.Use(middleware.Compress(5, "application/json"))
}

// registerRawRoutes mounts the handlers that are not huma operations.
func (s *Server) registerRawRoutes() {
	s.router.Handle("/metrics", metrics.Handler())

	if s.sseHandler == nil {
		return
	}
	events := http.Handler(s.sseHandler)
	if s.queryLimiter != nil {
		events = s.queryLimiter.Middleware(ratelimit.ClientKey)(events)
	}
	s.router.Method(http.MethodGet, "/api/v1/events", events)
}
