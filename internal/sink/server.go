package sink

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/newsletter/internal/provider"
)

// shutdownTimeout bounds how long Serve waits for open sessions.
const shutdownTimeout = 10 * time.Second

// ServerConfig holds the configuration for a sink server.
type ServerConfig struct {
	// ListenAddr is the address to listen on, e.g. "127.0.0.1:2525".
	ListenAddr string

	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	// Provider receives every accepted message.
	Provider provider.Provider

	// Username and Password enable AUTH PLAIN when both are set.
	Username string
	Password string
}

// Server accepts SMTP connections and forwards each message to a Provider.
type Server struct {
	config ServerConfig
	auth   *Authenticator
	wg     sync.WaitGroup
}

// New creates a new sink Server.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.Username, cfg.Password),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and waits for open sessions to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("sink listening",
		"addr", ln.Addr().String(),
		"provider", s.config.Provider.Name(),
		"auth_enabled", s.auth.Enabled(),
	)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return nil
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.auth, s.config.Provider, s.config.Hostname).Handle(ctx)
		}()
	}
}

func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("sink stopped")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}
