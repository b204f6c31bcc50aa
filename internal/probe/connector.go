package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/zeebo/errs"
	"golang.org/x/oauth2"

	"github.com/shineum/smtp-check/internal/config"
	"github.com/shineum/smtp-check/internal/console"
	"github.com/shineum/smtp-check/internal/oauth"
	tlsutil "github.com/shineum/smtp-check/internal/tls"
)

// DefaultConnectTimeout bounds the dial, the greeting, STARTTLS and the
// EHLOs on either side of it.
const DefaultConnectTimeout = 10 * time.Second

// AuthHints are printed after an authentication failure.
var AuthHints = []string{
	"That the credentials are correct",
	"That 'Authenticated SMTP' is enabled for the mailbox",
	"If MFA is enabled, use an application password",
}

// Options configures a Connector.
type Options struct {
	Host string
	Port int

	Username string
	Password string

	// Mechanism is one of the config.Auth* values. Empty means auto.
	Mechanism string

	// LocalName is sent in the EHLO that follows STARTTLS. The first EHLO
	// always uses "localhost". Defaults to "localhost".
	LocalName string

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// TLSConfig is used for STARTTLS. ServerName defaults to Host.
	TLSConfig *tls.Config

	// SkipAuth stops after the post-TLS EHLO.
	SkipAuth bool

	// TokenSource supplies XOAUTH2 bearer tokens.
	TokenSource oauth2.TokenSource

	// Transcript receives the protocol dialogue with credentials redacted.
	Transcript io.Writer
}

// Addr returns host:port.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// Session is an SMTP connection that has passed STARTTLS and, unless
// skipped, authentication. It has a single owner.
type Session struct {
	client *smtp.Client
	stop   func() bool

	// TLS is the negotiated connection state.
	TLS tls.ConnectionState

	// Mechanisms lists the AUTH mechanisms advertised after STARTTLS.
	Mechanisms []string

	// Mechanism is the mechanism used, empty when authentication was skipped.
	Mechanism string

	Authenticated bool
}

// Close sends QUIT and falls back to closing the connection if QUIT fails.
func (s *Session) Close() error {
	if s.stop != nil {
		s.stop()
	}
	if err := s.client.Quit(); err != nil {
		return errs.Combine(fmt.Errorf("quit: %w", err), s.client.Close())
	}
	return nil
}

// Connector opens and authenticates SMTP sessions.
type Connector struct {
	opts    Options
	out     *console.Printer
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	observe func(step string, d time.Duration)
}

// NewConnector creates a Connector printing progress to out.
func NewConnector(opts Options, out *console.Printer) *Connector {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.LocalName == "" {
		opts.LocalName = "localhost"
	}
	if out == nil {
		out = console.Discard()
	}
	d := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Connector{
		opts:    opts,
		out:     out,
		dial:    d.DialContext,
		observe: func(string, time.Duration) {},
	}
}

// ConnectAndAuthenticate runs connect, STARTTLS, EHLO and AUTH. Every
// failure is one of ConnectionError, TLSError or AuthenticationError, and
// no connection is left open on failure.
func (c *Connector) ConnectAndAuthenticate(ctx context.Context) (*Session, error) {
	addr := c.opts.Addr()

	c.out.Step("Connecting to %s...", addr)
	start := time.Now()

	// connectCtx bounds everything up to the EHLO sent after STARTTLS.
	connectCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	raw, err := c.dial(connectCtx, "tcp", addr)
	if err != nil {
		return nil, c.connectionFailed(ConnectionError.Wrap(err))
	}
	// Closing the connection unblocks any pending read on timeout or
	// cancellation.
	stopConnect := context.AfterFunc(connectCtx, func() { raw.Close() })
	defer stopConnect()
	stop := context.AfterFunc(ctx, func() { raw.Close() })

	var transcript io.Writer
	if c.opts.Transcript != nil {
		transcript = newTranscriptWriter(c.opts.Transcript)
	}

	established := false
	markEstablished := func() {
		if established {
			return
		}
		established = true
		c.observe("connect", time.Since(start))
		c.out.Success("Connection established")
		c.out.Step("Starting STARTTLS...")
		start = time.Now()
	}

	// The greeting and the first EHLO happen inside NewClientStartTLS.
	conn := newUpgradeConn(raw, transcript, markEstablished)
	client, err := smtp.NewClientStartTLS(conn, c.tlsConfig())
	if err != nil {
		stop()
		raw.Close()
		err = withDeadline(connectCtx, err)

		switch {
		case conn.startTLSSent():
			err = TLSError.Wrap(err)
		case strings.Contains(err.Error(), "STARTTLS"):
			markEstablished()
			err = TLSError.New("server does not advertise STARTTLS")
		default:
			return nil, c.connectionFailed(ConnectionError.Wrap(err))
		}
		c.out.Failure("TLS error: %s", Message(err))
		return nil, err
	}
	if transcript != nil {
		client.DebugWriter = transcript
	}

	sess := &Session{client: client, stop: stop}
	fail := func(err error) (*Session, error) {
		stop()
		if cerr := client.Close(); cerr != nil {
			slog.Debug("close after failure", "error", cerr)
		}
		return nil, err
	}

	// The handshake runs on the first write after the 220 reply, so a
	// certificate problem surfaces here.
	c.out.Step("Re-sending EHLO after TLS...")
	commandTimeout := client.CommandTimeout
	client.CommandTimeout = c.opts.ConnectTimeout
	err = client.Hello(c.opts.LocalName)
	client.CommandTimeout = commandTimeout
	if err != nil {
		err = TLSError.Wrap(withDeadline(connectCtx, err))
		c.out.Failure("TLS error: %s", Message(err))
		return fail(err)
	}
	stopConnect()

	state, ok := client.TLSConnectionState()
	if !ok {
		err := TLSError.New("connection is not encrypted after STARTTLS")
		c.out.Failure("TLS error: %s", Message(err))
		return fail(err)
	}
	sess.TLS = state
	c.out.Success("TLS established")
	c.out.Detail("%s", tlsutil.Describe(state))
	c.observe("tls", time.Since(start))

	if ok, params := client.Extension("AUTH"); ok {
		sess.Mechanisms = strings.Fields(strings.ToUpper(params))
	}

	if c.opts.SkipAuth {
		if len(sess.Mechanisms) > 0 {
			c.out.Success("Server supports authentication (%s)", strings.Join(sess.Mechanisms, " "))
		} else {
			c.out.Warning("Server does NOT support authentication")
		}
		c.out.Line("Skipping authentication")
		return sess, nil
	}
	if len(sess.Mechanisms) > 0 {
		c.out.Detail("AUTH %s", strings.Join(sess.Mechanisms, " "))
	}

	start = time.Now()
	if err := c.authenticate(sess); err != nil {
		return fail(err)
	}
	c.observe("auth", time.Since(start))

	return sess, nil
}

func (c *Connector) tlsConfig() *tls.Config {
	cfg := c.opts.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = c.opts.Host
	}
	return cfg
}

// withDeadline names the timeout or cancellation that closed the
// connection underneath err.
func withDeadline(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	return err
}

func (c *Connector) authenticate(sess *Session) error {
	saslClient, mech, err := c.selectMechanism(sess.Mechanisms)
	if err != nil {
		return c.authFailed(AuthenticationError.Wrap(err))
	}

	c.out.Step("Authenticating as %s...", c.opts.Username)
	if err := sess.client.Auth(saslClient); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			return c.authFailed(AuthenticationError.Wrap(err))
		}
		return c.connectionFailed(ConnectionError.Wrap(err))
	}

	sess.Mechanism = mech
	sess.Authenticated = true
	c.out.Success("Authentication successful")
	return nil
}

// selectMechanism picks the SASL client for the configured mechanism. Auto
// prefers XOAUTH2 when a token source is configured, then PLAIN, then LOGIN.
func (c *Connector) selectMechanism(advertised []string) (sasl.Client, string, error) {
	if len(advertised) == 0 {
		return nil, "", errors.New("server does not advertise AUTH")
	}

	want := strings.ToLower(c.opts.Mechanism)
	if want == "" || want == config.AuthAuto {
		switch {
		case c.opts.TokenSource != nil:
			want = config.AuthXOAuth2
		case slices.Contains(advertised, sasl.Plain):
			want = config.AuthPlain
		case slices.Contains(advertised, sasl.Login):
			want = config.AuthLogin
		default:
			return nil, "", fmt.Errorf("no supported AUTH mechanism (server offers %s)", strings.Join(advertised, " "))
		}
	}

	mech := strings.ToUpper(want)
	if !slices.Contains(advertised, mech) {
		return nil, "", fmt.Errorf("server does not offer AUTH %s (server offers %s)", mech, strings.Join(advertised, " "))
	}

	switch want {
	case config.AuthPlain:
		return sasl.NewPlainClient("", c.opts.Username, c.opts.Password), mech, nil
	case config.AuthLogin:
		return sasl.NewLoginClient(c.opts.Username, c.opts.Password), mech, nil
	case config.AuthXOAuth2:
		if c.opts.TokenSource == nil {
			return nil, "", errors.New("XOAUTH2 requires OAuth client settings")
		}
		token, err := oauth.AccessToken(c.opts.TokenSource)
		if err != nil {
			return nil, "", fmt.Errorf("failed to obtain OAuth token: %w", err)
		}
		return oauth.NewXOAuth2Client(c.opts.Username, token), mech, nil
	default:
		return nil, "", fmt.Errorf("unknown auth mechanism %q", c.opts.Mechanism)
	}
}

func (c *Connector) connectionFailed(err error) error {
	c.out.Failure("Connection error: %s", Message(err))
	return err
}

func (c *Connector) authFailed(err error) error {
	c.out.Failure("Authentication error: %s", Message(err))
	c.out.Hints("Verify:", AuthHints)
	return err
}
