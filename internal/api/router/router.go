// Package router provides HTTP routing configuration using Chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/api/handler"
	"github.com/remiblancher/qsign/internal/api/middleware"
	"github.com/remiblancher/qsign/internal/api/service"
	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/internal/metrics"
)

// Config holds router configuration.
type Config struct {
	Version string
	Service *service.SigningService

	// Metrics enables /metrics and request instrumentation when set.
	Metrics *metrics.Metrics

	Logger *zap.Logger
	Audit  audit.Writer

	// JWTSecret enables bearer authentication on /api/v1 when set.
	JWTSecret []byte

	// MaxUploadBytes bounds request bodies on /api/v1. Zero means no limit.
	MaxUploadBytes int64
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("api")

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recoverer(log))
	r.Use(middleware.CORS)
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	// Health endpoints (always enabled)
	healthHandler := handler.NewHealthHandler(cfg.Version, map[string]handler.ReadyCheck{
		"store": cfg.Service.StoreReady,
	})
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	signingHandler := handler.NewSigningHandler(cfg.Service)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret, cfg.Audit, log))
		if cfg.MaxUploadBytes > 0 {
			r.Use(limitBody(cfg.MaxUploadBytes))
		}

		r.Post("/identity", signingHandler.Identity)
		r.Get("/identities", signingHandler.Identities)
		r.Post("/sign", signingHandler.Sign)
		r.Post("/validate", signingHandler.Validate)
		r.Get("/tsa", signingHandler.Authorities)
	})

	return r
}

// limitBody caps request bodies at n bytes.
func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
