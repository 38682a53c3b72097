package server

import (
	"log/slog"
	"net/http"

	"github.com/labring/lima-bridge/pkg/handlers"
	"github.com/labring/lima-bridge/pkg/handlers/instance"
	"github.com/labring/lima-bridge/pkg/handlers/pty"
	"github.com/labring/lima-bridge/pkg/router"
)

// routeConfig defines route configuration
type routeConfig struct {
	Method   string
	Pattern  string
	Function http.HandlerFunc
}

// registerRoutes registers all routes using configuration
func (s *Server) registerRoutes(r *router.Router, middlewareChain func(http.Handler) http.Handler) {
	healthHandler := handlers.NewHealthHandler(map[string]handlers.ReadinessCheck{
		"limactl": handlers.BinaryCheck(s.config.LimactlPath),
		"pty":     handlers.DeviceCheck("/dev/ptmx"),
	})
	instanceHandler := instance.NewInstanceHandler(s.service, s.cache, s.monitor)
	ptyHandler := pty.NewPTYHandler(s.ptyHost)

	routes := []routeConfig{
		// Health endpoints
		{"GET", "/health", healthHandler.HealthCheck},
		{"GET", "/health/ready", healthHandler.ReadinessCheck},

		// Instance lifecycle
		{"GET", "/api/v1/instances", instanceHandler.ListInstances},
		{"POST", "/api/v1/instances/:name/:kind", instanceHandler.TriggerOperation},

		// Operation transcripts
		{"GET", "/api/v1/operations", instanceHandler.ListOperations},
		{"GET", "/api/v1/operations/:kind/:name", instanceHandler.GetOperation},
		{"POST", "/api/v1/operations/:kind/:name/reset", instanceHandler.ResetOperation},

		// Pseudo-terminals
		{"GET", "/api/v1/pty", ptyHandler.List},
		{"POST", "/api/v1/pty/spawn", ptyHandler.Spawn},
		{"POST", "/api/v1/pty/:id/write", ptyHandler.Write},
		{"POST", "/api/v1/pty/:id/resize", ptyHandler.Resize},
		{"POST", "/api/v1/pty/:id/close", ptyHandler.Close},
		{"GET", "/api/v1/pty/:id/attach", ptyHandler.Attach},

		// Lifecycle event stream
		{"GET", "/ws", s.wsEvents.HandleWebSocket},
	}

	for _, route := range routes {
		r.Register(route.Method, route.Pattern, middlewareChain(route.Function).ServeHTTP)
	}

	for _, info := range r.Routes() {
		slog.Debug("Route registered",
			slog.String("method", info.Method),
			slog.String("pattern", info.Pattern),
		)
	}
	slog.Info("Routes registered", slog.Int("count", len(r.Routes())))
}
