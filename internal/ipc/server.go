// Package ipc serves the same control surface over a local unix domain
// socket, so the CLI works without network configuration.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/taskqd/taskqd/pkg/logger"
)

// Server serves an HTTP handler on a unix domain socket.
type Server struct {
	path   string
	server *http.Server
	logger *logger.Logger
}

// New creates an IPC server for the given socket path.
func New(path string, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		path: path,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithComponent("ipc"),
	}
}

// Serve listens on the socket and serves until Shutdown. A stale socket
// file from a previous run is removed first.
func (s *Server) Serve() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket %s: %w", s.path, err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o666); err != nil {
		s.logger.Warn().Err(err).Str("socket", s.path).Msg("failed to open socket permissions")
	}

	s.logger.Info().Str("socket", s.path).Msg("IPC listening")

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}
