package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Server is the provider's HTTP server.
type Server struct {
	config *Config
	logger *zap.Logger
	router chi.Router
	srv    *http.Server
}

// NewServer creates a new server instance. The registrar mounts the
// application routes onto the shared router.
func NewServer(cfg *Config, logger *zap.Logger, registrar func(chi.Router)) *Server {
	s := &Server{
		config: cfg,
		logger: logger,
	}
	s.setupRouter(registrar)
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Router returns the configured router
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter(registrar func(chi.Router)) {
	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	r.Use(SecurityHeaders)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Timeout(60 * time.Second))

	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	rateLimiter := NewRateLimiter(300, time.Minute)
	r.Use(rateLimiter.Limit)

	registrar(r)

	s.router = r
}

// ListenAndServe starts serving, with TLS when certificate material is
// configured. Blocks until the server stops.
func (s *Server) ListenAndServe() error {
	if s.config.TLSCertFile != "" {
		s.logger.Info("listening with TLS", zap.String("addr", s.config.ListenAddr))
		return s.srv.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	}
	s.logger.Info("listening", zap.String("addr", s.config.ListenAddr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
