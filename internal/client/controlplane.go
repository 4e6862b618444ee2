package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// ControlPlaneServer exposes the local HTTP control surface: status,
// recent errors and manual sync triggering. Local-only; it never talks to
// the storage backend itself.
type ControlPlaneServer struct {
	config *ControlPlaneConfig
	server *http.Server
}

func NewControlPlaneServer(config *ControlPlaneConfig, client *Client) *ControlPlaneServer {
	httpServer := &http.Server{
		Addr:    config.Addr,
		Handler: setupRoutes(client, config.AuthToken),
		// Timeouts to prevent slow client attacks
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	return &ControlPlaneServer{
		config: config,
		server: httpServer,
	}
}

func (s *ControlPlaneServer) Start(ctx context.Context) error {
	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.config.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *ControlPlaneServer) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
