package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labring/streamscope/pkg/handlers"
	"github.com/labring/streamscope/pkg/handlers/tabs"
	"github.com/labring/streamscope/pkg/handlers/websocket"
	"github.com/labring/streamscope/pkg/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const storeProbeTimeout = 2 * time.Second

// routeConfig defines route configuration
type routeConfig struct {
	Method   string
	Pattern  string
	Function http.HandlerFunc
}

// registerRoutes registers all routes using configuration
func (s *Server) registerRoutes(r *router.Router, middlewareChain func(http.Handler) http.Handler) {
	tabsHandler := tabs.NewTabsHandler(s.store)
	healthHandler := handlers.NewHealthHandler(
		handlers.Check{Name: "store", Fn: handlers.Responsive(storeProbeTimeout, func() { s.store.Stats() })},
		handlers.Check{Name: "janitor", Fn: s.janitorRunning.Load},
	)
	s.ws = websocket.NewWebSocketHandler(s.store, websocket.NewDefaultWebSocketConfig(), s.config.AllowedOrigins)
	metricsHandler := promhttp.Handler()

	routes := []routeConfig{
		// Health endpoints
		{"GET", "/health", healthHandler.HealthCheck},
		{"GET", "/health/ready", healthHandler.ReadinessCheck},
		{"GET", "/metrics", metricsHandler.ServeHTTP},

		// Sessions
		{"GET", "/api/v1/tabs", tabsHandler.List},
		{"GET", "/api/v1/tabs/:id", tabsHandler.Get},
		{"GET", "/api/v1/tabs/:id/status", tabsHandler.Status},
		{"GET", "/api/v1/tabs/:id/streams/:streamId", tabsHandler.Stream},
		{"POST", "/api/v1/tabs/:id/events", tabsHandler.Events},
		{"POST", "/api/v1/tabs/:id/navigate", tabsHandler.Navigate},
		{"POST", "/api/v1/tabs/:id/close", tabsHandler.Close},
		{"GET", "/api/v1/stats", tabsHandler.Stats},

		// WebSocket endpoints
		{"GET", "/ws/relay", s.ws.HandleRelay},
		{"GET", "/ws/panel", s.ws.HandlePanel},
	}

	preflight := make(map[string]bool)
	for _, route := range routes {
		slog.Info("Registering route",
			slog.String("method", route.Method),
			slog.String("pattern", route.Pattern),
		)
		r.Register(route.Method, route.Pattern, middlewareChain(route.Function).ServeHTTP)

		// The CORS middleware answers preflights before auth.
		if strings.HasPrefix(route.Pattern, "/api/") && !preflight[route.Pattern] {
			preflight[route.Pattern] = true
			r.Register(http.MethodOptions, route.Pattern, middlewareChain(http.NotFoundHandler()).ServeHTTP)
		}
	}
}
