package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labring/lima-bridge/pkg/config"
	"github.com/labring/lima-bridge/pkg/events"
	"github.com/labring/lima-bridge/pkg/handlers/pty"
	"github.com/labring/lima-bridge/pkg/handlers/websocket"
	"github.com/labring/lima-bridge/pkg/lima"
	"github.com/labring/lima-bridge/pkg/middleware"
	"github.com/labring/lima-bridge/pkg/opcache"
	"github.com/labring/lima-bridge/pkg/router"
)

const cleanupTimeout = 10 * time.Second

// Server is the lima-bridge HTTP server.
type Server struct {
	router *router.Router
	config *config.Config

	bus      *events.Bus
	service  *lima.Service
	monitor  *lima.InstanceMonitor
	cache    *opcache.Cache
	ptyHost  *pty.Host
	wsEvents *websocket.WebSocketHandler
}

// New wires the lifecycle services and registers their routes.
func New(cfg *config.Config) (*Server, error) {
	slog.Info("Initializing server...")

	bus := events.NewBus()
	monitor := lima.NewInstanceMonitor(cfg.LimactlPath, cfg.InstanceCacheTTL, nil)

	srv := &Server{
		router:  router.NewRouter(),
		config:  cfg,
		bus:     bus,
		monitor: monitor,
		service: lima.NewService(bus,
			lima.WithLimactl(cfg.LimactlPath),
			lima.WithTemplate(cfg.LimaTemplate),
		),
		cache:    opcache.New(bus, opcache.WithInvalidator(monitor)),
		ptyHost:  pty.NewHost(pty.WithShell(cfg.DefaultShell)),
		wsEvents: websocket.NewWebSocketHandler(bus, nil),
	}

	if err := srv.setupRoutes(srv.router); err != nil {
		return nil, fmt.Errorf("failed to setup routes: %w", err)
	}

	slog.Info("Server initialized successfully")

	return srv, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Cleanup stops event subscribers, terminates running lifecycle
// operations and closes every PTY session.
func (s *Server) Cleanup() error {
	slog.Info("Performing server cleanup...")

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	err := s.service.Shutdown(ctx)
	s.wsEvents.Stop()
	s.cache.Close()
	s.ptyHost.Shutdown(ctx)

	if err != nil {
		return fmt.Errorf("failed to stop lifecycle operations: %w", err)
	}
	return nil
}

// setupRoutes registers every route behind the middleware chain.
func (s *Server) setupRoutes(r *router.Router) error {
	chain := middleware.Chain(
		middleware.Logger(),
		middleware.Recovery(),
		middleware.TokenAuth(s.config.Token, nil),
	)

	s.registerRoutes(r, chain)

	return nil
}
