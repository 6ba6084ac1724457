package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"
)

// Server runs the HTTP bridge.
type Server struct {
	cfg     *Config
	version string
	srv     *http.Server
	log     *zap.Logger
}

// New creates a new Server.
func New(cfg *Config, handler http.Handler, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:     cfg,
		version: version,
		log:     log.Named("server"),
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	go func() {
		if s.cfg.TLSEnabled() {
			errChan <- s.srv.ServeTLS(ln, s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			errChan <- s.srv.Serve(ln)
		}
	}()

	s.printStartupInfo(ln.Addr().String())

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.log.Info("shutting down")
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("server stopped gracefully")
	return nil
}

// printStartupInfo logs the bound address and endpoints.
func (s *Server) printStartupInfo(addr string) {
	scheme := "http"
	if s.cfg.TLSEnabled() {
		scheme = "https"
	}
	s.log.Info("qsign bridge listening",
		zap.String("version", s.version),
		zap.String("address", scheme+"://"+addr),
		zap.Strings("endpoints", []string{
			"GET  /health",
			"GET  /ready",
			"GET  /metrics",
			"POST /api/v1/identity",
			"GET  /api/v1/identities",
			"POST /api/v1/sign",
			"POST /api/v1/validate",
			"GET  /api/v1/tsa",
		}))
}
