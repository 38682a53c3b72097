package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/labring/lima-bridge/internal/server"
	"github.com/labring/lima-bridge/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.ParseCfg()

	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.Level(cfg.LogLevel),
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Prefix:          "lima-bridge",
	})
	slog.SetDefault(slog.New(handler))

	if cfg.TokenAutoGenerated {
		slog.Warn("No TOKEN configured, generated one for this run", slog.String("token", cfg.Token))
	}

	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("Failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting server", slog.String("addr", cfg.Addr), slog.String("limactl", cfg.LimactlPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("Shutting down server", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; Cleanup
	// closes them.
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := srv.Cleanup(); err != nil {
		slog.Error("Cleanup failed", slog.String("error", err.Error()))
	}

	slog.Info("Server exited")
}
