// Package httpserver wraps net/http.Server with the graceful
// start/stop lifecycle shared by the edge, tunnel, and observer
// listeners.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Option configures a Server.
type Option func(*Server)

// WithAddress configures the listen address (e.g. ":8080").
func WithAddress(address string) Option {
	return func(s *Server) { s.address = address }
}

// WithTLS configures a certificate/key pair. When both are set,
// Run serves HTTPS instead of plain HTTP.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) { s.tlsCert, s.tlsKey = certFile, keyFile }
}

// WithLogger configures a structured logger. Defaults to
// slog.Default with a "component" attribute of "http-server".
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server is one of the process's independent HTTP listeners (the
// public edge, the agent-facing tunnel endpoint, or the observer
// dashboard), each bound to its own address and handler.
type Server struct {
	address string
	handler http.Handler
	tlsCert string
	tlsKey  string
	log     *slog.Logger

	inner *http.Server
}

// New returns a Server serving handler on address.
func New(address string, handler http.Handler, opts ...Option) *Server {
	s := &Server{
		address: address,
		handler: handler,
		log:     slog.Default().With("component", "http-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the listener and blocks until ctx is cancelled or the
// server fails, then drains connections within a fixed grace
// period.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen %q: %w", s.address, err)
	}

	s.inner = &http.Server{
		Addr:              s.address,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.log.Info("starting", "address", listener.Addr().String(), "tls", s.tlsCert != "")

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if s.tlsCert != "" && s.tlsKey != "" {
			err = s.inner.ServeTLS(listener, s.tlsCert, s.tlsKey)
		} else {
			err = s.inner.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.inner.Shutdown(shutdownCtx); err != nil {
			s.log.Error("graceful shutdown failed, forcing close", "error", err)
			return s.inner.Close()
		}
		return nil
	}
}
