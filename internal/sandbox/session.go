package sandbox

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-check/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// maxMessageSize is the advertised maximum message size (10 MB).
const maxMessageSize = 10 * 1024 * 1024

// SessionConfig carries the server-wide settings a session needs.
type SessionConfig struct {
	Auth      *Authenticator
	Mailbox   Mailbox
	Hostname  string
	TLSConfig *tls.Config

	// Rejected holds lower-cased recipient addresses refused at RCPT TO.
	Rejected map[string]struct{}

	// RejectSTARTTLS advertises STARTTLS but answers it with 454.
	RejectSTARTTLS bool
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	cfg    SessionConfig

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "", "")
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		cfg:    cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP smtp-check sandbox", s.cfg.Hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if s.handleCommand(ctx, cmd, arg) {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.cfg.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.cfg.Hostname, arg)
	if (s.cfg.TLSConfig != nil || s.cfg.RejectSTARTTLS) && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if mechs := s.cfg.Auth.Mechanisms(); len(mechs) > 0 && s.authAllowed() {
		s.writeLine("250-AUTH %s", strings.Join(mechs, " "))
	}
	s.writeLine("250-SIZE %d", maxMessageSize)
	s.writeLine("250 OK")
}

// authAllowed reports whether AUTH may be used on the current connection.
// When TLS is configured, credentials are only accepted after STARTTLS.
func (s *Session) authAllowed() bool {
	return s.cfg.TLSConfig == nil || s.tlsActive
}

// handleSTARTTLS upgrades the connection to TLS. It returns true when the
// handshake failed and the session must end.
func (s *Session) handleSTARTTLS() bool {
	if s.cfg.TLSConfig == nil || s.cfg.RejectSTARTTLS {
		s.writeLine("454 4.7.0 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 4.7.0 TLS already active")
		return false
	}

	s.writeLine("220 2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Warn("TLS handshake failed", "error", err)
		return true
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.resetTransaction()
	return false
}

// handleAUTH processes AUTH commands (PLAIN, LOGIN and XOAUTH2).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 5.5.1 Already authenticated")
		return
	}
	if !s.cfg.Auth.Enabled() {
		s.writeLine("503 5.5.1 AUTH not available")
		return
	}
	if !s.authAllowed() {
		s.writeLine("530 5.7.0 Must issue a STARTTLS command first")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])
	initial := ""
	if len(parts) > 1 {
		initial = strings.TrimSpace(parts[1])
	}

	var err error
	switch mechanism {
	case "PLAIN":
		err = s.authPlain(initial)
	case "LOGIN":
		err = s.authLogin(initial)
	case "XOAUTH2":
		err = s.authXOAuth2(initial)
	default:
		s.writeLine("504 5.5.4 Unrecognized authentication type")
		return
	}

	switch {
	case errors.Is(err, errCancelled):
		s.writeLine("501 5.0.0 Authentication cancelled")
	case errors.Is(err, errIO):
		// Connection is gone; nothing to answer.
	case err != nil:
		slog.Debug("authentication rejected", "mechanism", mechanism, "error", err)
		s.writeLine("535 5.7.8 Authentication credentials invalid")
	default:
		s.state = stateAuthOK
		s.writeLine("235 2.7.0 Authentication successful")
	}
}

var (
	errCancelled = errors.New("authentication cancelled")
	errIO        = errors.New("connection lost during authentication")
)

// challenge sends a 334 line and reads the client response.
func (s *Session) challenge(encoded string) (string, error) {
	if encoded == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", encoded)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		slog.Debug("failed to read AUTH response", "error", err)
		return "", errIO
	}
	resp := strings.TrimRight(line, "\r\n")
	if resp == "*" {
		return "", errCancelled
	}
	return resp, nil
}

func (s *Session) authPlain(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	if encoded == "*" {
		return errCancelled
	}
	return s.cfg.Auth.VerifyPlain(encoded)
}

func (s *Session) authLogin(initial string) error {
	encodedUser := initial
	if encodedUser == "" {
		var err error
		// base64 "Username:"
		if encodedUser, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return err
		}
	}
	if encodedUser == "*" {
		return errCancelled
	}

	// base64 "Password:"
	encodedPass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.cfg.Auth.VerifyLogin(encodedUser, encodedPass)
}

func (s *Session) authXOAuth2(initial string) error {
	encoded := initial
	if encoded == "" {
		var err error
		if encoded, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.cfg.Auth.VerifyXOAuth2(encoded)
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 5.5.1 Send EHLO/HELO first")
		return
	}
	if s.cfg.Auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	addr := extractAddress(arg[5:])
	if addr == "" {
		s.writeLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 2.1.0 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 5.5.1 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}

	if _, ok := s.cfg.Rejected[strings.ToLower(addr)]; ok {
		s.writeLine("550 5.1.1 Recipient address rejected: %s", addr)
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 2.1.5 OK")
}

// handleDATA reads the message until the dot terminator and delivers it.
// It returns true if the connection was lost mid-message.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 5.5.1 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Warn("error reading DATA", "error", err)
			return true
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if data.Len()+len(line) > maxMessageSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed limit")
			s.resetTransaction()
			return true
		}
		data.WriteString(line)
	}

	msg, err := parser.Parse([]byte(data.String()))
	if err != nil {
		slog.Warn("failed to parse message", "error", err)
		s.writeLine("550 5.6.0 Failed to process message")
		s.resetTransaction()
		return false
	}

	msg.EnvelopeFrom = s.mailFrom
	msg.EnvelopeTo = append([]string(nil), s.rcptTo...)
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = msg.EnvelopeTo
	}

	if err := s.cfg.Mailbox.Deliver(ctx, msg); err != nil {
		slog.Error("mailbox delivery failed",
			"mailbox", s.cfg.Mailbox.Name(),
			"error", err,
		)
		s.writeLine("451 4.3.0 Temporary failure, please try again later")
		s.resetTransaction()
		return false
	}

	s.writeLine("250 2.0.0 OK message accepted")
	s.resetTransaction()
	return false
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.state > stateAuthOK {
		if s.cfg.Auth.Enabled() {
			s.state = stateAuthOK
		} else {
			s.state = stateGreeted
		}
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats. ESMTP parameters after
// the address are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return s
}
