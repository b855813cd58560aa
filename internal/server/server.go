// Package server assembles the HTTP surface: the translated chat endpoints,
// health, and metrics, with graceful shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelgate/babelgate/internal/config"
	"github.com/babelgate/babelgate/internal/handlers"
	"github.com/babelgate/babelgate/internal/middleware"
	"github.com/babelgate/babelgate/internal/protocol"
	"github.com/babelgate/babelgate/internal/router"
	"github.com/babelgate/babelgate/internal/telemetry"
	"github.com/babelgate/babelgate/internal/transport"
)

type Server struct {
	config *config.Manager
	logger *slog.Logger
	server *http.Server
	router *router.Router
}

func New(manager *config.Manager, logger *slog.Logger) *Server {
	return &Server{
		config: manager,
		logger: logger,
	}
}

// Start runs the server until an interrupt or SIGTERM, then shuts down
// gracefully.
func (s *Server) Start() error {
	cfg, err := s.config.Get()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	mux, err := s.setupRoutes(cfg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
		// Streaming responses rule out a write timeout; idle and header
		// timeouts still bound dead connections.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	s.logger.Info("starting gateway",
		"address", addr,
		"backends", len(cfg.Backends))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("server is shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if s.router != nil {
		s.router.Close()
	}

	s.logger.Info("server exited")
	return nil
}

// Stop shuts the server down out-of-band, used by tests and the stop command.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(cfg *config.Config) (*http.ServeMux, error) {
	metrics := telemetry.NewMetrics(nil)
	s.router = router.New(cfg, metrics, s.logger)

	gateway := handlers.NewGateway(
		s.router,
		transport.New(s.logger, metrics),
		metrics,
		s.logger,
	)

	names := make([]string, len(cfg.Backends))
	for i := range cfg.Backends {
		names[i] = cfg.Backends[i].Name
	}
	health := handlers.NewHealth(names)

	set := middleware.NewSet(s.config, s.logger)
	chat := set.DefaultChain().Handler(gateway)

	mux := http.NewServeMux()
	mux.Handle(protocol.PathChatCompletions, chat)
	mux.Handle(protocol.PathResponses, chat)
	mux.Handle(protocol.PathMessages, chat)
	mux.Handle("/health", set.OpsChain().Handler(health))
	mux.Handle("/metrics", set.OpsChain().Handler(metrics.Handler()))
	// Anything else falls through to header and shape detection.
	mux.Handle("/", chat)

	return mux, nil
}
