// Package api provides HTTP handlers and the admin API server for convoroute.
//
// It exposes RESTful endpoints for managing routing rules, awaiting-type
// configs and domain intents, plus a resolution endpoint that runs the full
// normalize-recognize-resolve pipeline for one input.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/convoroute/convoroute/internal/router"
	"github.com/convoroute/convoroute/internal/store"
)

// Constants for API server configuration
const (
	// DefaultAddr is the default listen address for the API server.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address for the API server.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server wires the store and resolver into HTTP handlers.
type Server struct {
	st       store.Store
	resolver *router.Resolver
	addr     string
}

// NewServer creates an API server backed by the given store.
func NewServer(st store.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		st:       st,
		resolver: router.NewResolver(),
		addr:     cfg.Addr,
	}
}

// Handler returns the API route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/resolve", s.resolveHandler)
	mux.HandleFunc("/api/v1/rules", s.rulesHandler)
	mux.HandleFunc("/api/v1/rules/", s.ruleByIDHandler)
	mux.HandleFunc("/api/v1/awaiting-configs", s.awaitingConfigsHandler)
	mux.HandleFunc("/api/v1/intents", s.intentsHandler)
	return mux
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down API server: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}
}
