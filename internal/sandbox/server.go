package sandbox

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for a sandbox server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., "127.0.0.1:2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Mailbox receives accepted messages.
	Mailbox Mailbox

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised and
	// AUTH is allowed on the plaintext connection.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable AUTH PLAIN and LOGIN.
	AuthUsername string
	AuthPassword string

	// BearerToken enables AUTH XOAUTH2.
	BearerToken string

	// RejectRecipients lists addresses answered with 550 at RCPT TO.
	RejectRecipients []string

	// RejectSTARTTLS advertises STARTTLS but refuses it with 454.
	RejectSTARTTLS bool
}

// Server is a local SMTP submission server that hands accepted messages
// to a Mailbox.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	rejected map[string]struct{}

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new sandbox Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Mailbox == nil {
		cfg.Mailbox = NewStdoutMailbox()
	}

	rejected := make(map[string]struct{}, len(cfg.RejectRecipients))
	for _, addr := range cfg.RejectRecipients {
		rejected[strings.ToLower(strings.TrimSpace(addr))] = struct{}{}
	}

	return &Server{
		config:   cfg,
		auth:     NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword, cfg.BearerToken),
		rejected: rejected,
	}
}

// Listen binds the listening socket. It is separate from Serve so callers
// can read Addr before the accept loop starts.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// ListenAndServe binds the listener and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until the context is cancelled. On cancellation
// it stops accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("sandbox: Serve called before Listen")
	}

	slog.Info("sandbox listening",
		"addr", ln.Addr().String(),
		"mailbox", s.config.Mailbox.Name(),
		"auth_mechanisms", s.auth.Mechanisms(),
		"tls_enabled", s.config.TLSConfig != nil,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down sandbox")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.waitForSessions()
				return nil
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session := NewSession(conn, SessionConfig{
				Auth:      s.auth,
				Mailbox:   s.config.Mailbox,
				Hostname:  s.config.Hostname,
				TLSConfig: s.config.TLSConfig,
				Rejected:  s.rejected,

				RejectSTARTTLS: s.config.RejectSTARTTLS,
			})
			session.Handle(ctx)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
