// Package api serves the read-only analytics HTTP API consumed by the
// savings dashboards.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcpops/savingsoor/pkg/config"
	"github.com/rcpops/savingsoor/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	store      store.Store
	httpServer *http.Server
}

// NewServer creates a new analytics API server over an already-started
// store.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	st store.Store,
) Server {
	return &server{
		log:   log.WithField("component", "api"),
		cfg:   cfg,
		store: st,
	}
}

// Start begins serving HTTP requests. It returns once the listener is
// bound; serving continues in the background until Stop.
func (s *server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	s.log.WithField("listen", s.cfg.Listen).Info("API server started")

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	return nil
}
