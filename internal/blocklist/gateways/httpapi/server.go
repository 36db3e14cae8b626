package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AnthonyMichaelTDM/zoraxy-blocklist-manager/internal/blocklist/common/log"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
)

// Server serves a handler on a TCP address until its context ends.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	addr            atomic.Pointer[string]
	logger          log.Logger
}

// NewServer returns a Server for handler on addr. A zero shutdownTimeout
// uses the default of ten seconds.
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration, logger log.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          log.Component(logger, "http"),
	}
}

// Addr returns the bound address once Run is listening, or "".
func (s *Server) Addr() string {
	if p := s.addr.Load(); p != nil {
		return *p
	}
	return ""
}

// Run listens and serves until ctx is cancelled, then shuts down
// gracefully. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	bound := ln.Addr().String()
	s.addr.Store(&bound)
	s.logger.Info(map[string]any{"address": bound}, "http_listening")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(map[string]any{"error": err, "timeout": s.shutdownTimeout}, "http_shutdown_timeout")
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-errCh
	s.logger.Info(nil, "http_stopped")
	return nil
}
