package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/labring/streamscope/pkg/aggregator"
	"github.com/labring/streamscope/pkg/config"
	"github.com/labring/streamscope/pkg/handlers/websocket"
	"github.com/labring/streamscope/pkg/middleware"
	"github.com/labring/streamscope/pkg/router"
)

// Server is the background-realm daemon: the session store behind the REST
// API and the relay and panel sockets.
type Server struct {
	router *router.Router
	config *config.Config
	store  *aggregator.Store
	ws     *websocket.WebSocketHandler

	janitorRunning atomic.Bool
}

// New creates a new server instance
func New(cfg *config.Config) (*Server, error) {
	slog.Info("Initializing server...")

	r := router.NewRouter()
	srv := &Server{
		router: r,
		config: cfg,
		store: aggregator.NewStore(aggregator.Options{
			IdleTimeout:     cfg.SessionIdleTimeout,
			JanitorInterval: cfg.JanitorInterval,
		}),
	}

	if err := srv.setupRoutes(r); err != nil {
		return nil, fmt.Errorf("failed to setup routes: %w", err)
	}

	slog.Info("Server initialized successfully")
	return srv, nil
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Store returns the session store the server drives.
func (s *Server) Store() *aggregator.Store {
	return s.store
}

// RunJanitor evicts idle sessions until ctx is done. Readiness reports
// not ready while it is not running.
func (s *Server) RunJanitor(ctx context.Context) error {
	s.janitorRunning.Store(true)
	defer s.janitorRunning.Store(false)
	return s.store.RunJanitor(ctx)
}

// Cleanup closes every open socket and stops the panel writers.
func (s *Server) Cleanup() error {
	slog.Info("Performing server cleanup...")
	s.ws.Close()
	s.store.Close()
	return nil
}

// setupRoutes configures the router and registers routes
func (s *Server) setupRoutes(r *router.Router) error {
	chain := middleware.Chain(
		middleware.Logger(),
		middleware.Recovery(),
		middleware.CORS(s.config.AllowedOrigins),
		middleware.TokenAuth(s.config.Token, []string{"/health"}),
		middleware.Metrics(),
	)

	s.registerRoutes(r, chain)
	return nil
}
