package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig binds to loopback; the status API is unauthenticated.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:9090",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     time.Minute,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server is the status HTTP server of one evaluation process.
type Server struct {
	http  *http.Server
	grace time.Duration
	log   *slog.Logger
	addr  string
}

func NewServer(handler http.Handler, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
		grace: cfg.ShutdownTimeout,
		log:   logger.With("component", "status_server"),
		addr:  cfg.Addr,
	}
}

// Start binds synchronously, so a taken port fails the caller, then serves
// in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.log.Info("status server listening", "addr", s.addr)

	go func() {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status server failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits up to the grace period for
// in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.grace)
		defer cancel()
	}
	return s.http.Shutdown(ctx)
}

// Addr is the bound address; with port 0 it carries the chosen port.
func (s *Server) Addr() string { return s.addr }
