package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/shineum/smtp-check/internal/config"
	"github.com/shineum/smtp-check/internal/console"
	"github.com/shineum/smtp-check/internal/email"
	"github.com/shineum/smtp-check/internal/sandbox"
	tlsutil "github.com/shineum/smtp-check/internal/tls"
)

const (
	testUser     = "user@example.com"
	testPassword = "correct-password"
	testTo       = "dest@example.com"
)

type testServer struct {
	mailbox *sandbox.MemoryMailbox
	host    string
	port    int
	client  *tls.Config
}

// startSandbox runs a sandbox server for the duration of the test. withTLS
// enables STARTTLS with a fresh self-signed certificate.
func startSandbox(t *testing.T, cfg sandbox.ServerConfig, withTLS bool) *testServer {
	t.Helper()

	ts := &testServer{mailbox: sandbox.NewMemoryMailbox()}
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Mailbox = ts.mailbox

	if withTLS {
		serverTLS, err := tlsutil.LoadOrGenerateTLS("", "")
		require.NoError(t, err)
		pool, err := tlsutil.CertPool(serverTLS.Certificates[0])
		require.NoError(t, err)
		cfg.TLSConfig = serverTLS
		ts.client = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	srv := sandbox.New(cfg)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	ts.host = host
	ts.port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return ts
}

func (ts *testServer) runnerConfig(out *bytes.Buffer) RunnerConfig {
	return RunnerConfig{
		Options: Options{
			Host:           ts.host,
			Port:           ts.port,
			Username:       testUser,
			Password:       testPassword,
			ConnectTimeout: 5 * time.Second,
			TLSConfig:      ts.client,
		},
		Message: email.TestMessageOptions{
			FromName:    "SMTP Check",
			FromAddress: testUser,
			To:          testTo,
		},
		Out: console.New(out),
	}
}

func passwordServer() sandbox.ServerConfig {
	return sandbox.ServerConfig{AuthUsername: testUser, AuthPassword: testPassword}
}

// assertInOrder fails unless every want appears in out, in order.
func assertInOrder(t *testing.T, out string, wants ...string) {
	t.Helper()
	pos := 0
	for _, want := range wants {
		i := strings.Index(out[pos:], want)
		if !assert.GreaterOrEqual(t, i, 0, "missing %q after offset %d in:\n%s", want, pos, out) {
			return
		}
		pos += i + len(want)
	}
}

func TestRunSuccess(t *testing.T) {
	ts := startSandbox(t, passwordServer(), true)

	var out bytes.Buffer
	var transitions []string
	cfg := ts.runnerConfig(&out)
	cfg.Observer = func(from, to State) {
		transitions = append(transitions, from.String()+">"+to.String())
	}

	res := NewRunner(cfg).Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []State{
		StateInit, StateConnecting, StateConnected, StateSending,
		StateSent, StateClosing, StateDone,
	}, res.Path)
	assert.Equal(t, StateDone, res.Final)
	assert.Equal(t, "INIT>CONNECTING", transitions[0])
	assert.Equal(t, "CLOSING>DONE", transitions[len(transitions)-1])
	for _, step := range []string{"connect", "tls", "auth", "send", "close"} {
		assert.Contains(t, res.Durations, step)
	}

	assertInOrder(t, out.String(),
		"SMTP CONNECTION TEST",
		"Connecting to "+net.JoinHostPort(ts.host, strconv.Itoa(ts.port))+"...",
		"✓ Connection established",
		"Starting STARTTLS...",
		"Re-sending EHLO after TLS...",
		"✓ TLS established",
		"AUTH PLAIN LOGIN",
		"Authenticating as "+testUser+"...",
		"✓ Authentication successful",
		"SENDING MESSAGE",
		"From: "+testUser,
		"To: "+testTo,
		"Subject: SMTP test message - ",
		"✓ Message sent successfully",
		"Check the inbox of "+testTo,
		"Closing connection...",
	)

	msgs := ts.mailbox.Messages()
	require.Len(t, msgs, 1)
	require.NotNil(t, res.Message)
	assert.Equal(t, res.Message.Subject, msgs[0].Subject)
	assert.Equal(t, testUser, msgs[0].EnvelopeFrom)
	assert.Equal(t, []string{testTo}, msgs[0].EnvelopeTo)
	assert.Contains(t, msgs[0].TextBody, "- Authentication: YES")
}

func TestRunWithoutSTARTTLS(t *testing.T) {
	ts := startSandbox(t, passwordServer(), false)

	var out bytes.Buffer
	res := NewRunner(ts.runnerConfig(&out)).Run(context.Background())

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, StateConnectFailed, res.Final)
	assert.Equal(t, KindTLS, res.Kind())
	assert.NotContains(t, res.Path, StateSending)
	assert.NotContains(t, out.String(), "SENDING MESSAGE")
	assert.Contains(t, out.String(), "✗ TLS error: server does not advertise STARTTLS")
	assert.Contains(t, out.String(), "Could not establish a connection with the SMTP server")
	assert.Empty(t, ts.mailbox.Messages())
}

func TestRunSTARTTLSRefused(t *testing.T) {
	srvCfg := passwordServer()
	srvCfg.RejectSTARTTLS = true
	ts := startSandbox(t, srvCfg, false)

	var out bytes.Buffer
	res := NewRunner(ts.runnerConfig(&out)).Run(context.Background())

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, StateConnectFailed, res.Final)
	assert.Equal(t, KindTLS, res.Kind())
	assert.Equal(t, []State{StateInit, StateConnecting, StateConnectFailed}, res.Path)
	assert.Contains(t, res.Err.Error(), "454")

	text := out.String()
	assertInOrder(t, text,
		"✓ Connection established",
		"Starting STARTTLS...",
		"✗ TLS error: ",
	)
	assert.NotContains(t, text, "✓ TLS established")
	assert.NotContains(t, text, "SENDING MESSAGE")
	assert.Empty(t, ts.mailbox.Messages())
}

func TestRunUntrustedCertificate(t *testing.T) {
	ts := startSandbox(t, passwordServer(), true)

	var out bytes.Buffer
	cfg := ts.runnerConfig(&out)
	cfg.Options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	res := NewRunner(cfg).Run(context.Background())

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, KindTLS, res.Kind())
	assert.Empty(t, ts.mailbox.Messages())
}

func TestRunWrongPassword(t *testing.T) {
	ts := startSandbox(t, passwordServer(), true)

	var out bytes.Buffer
	cfg := ts.runnerConfig(&out)
	cfg.Options.Password = "wrong-password"

	res := NewRunner(cfg).Run(context.Background())

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, StateConnectFailed, res.Final)
	assert.Equal(t, KindAuthentication, res.Kind())

	text := out.String()
	assert.Contains(t, text, "✗ Authentication error: ")
	assert.Contains(t, text, "Authentication credentials invalid")
	for i, hint := range AuthHints {
		assert.Contains(t, text, strconv.Itoa(i+1)+". "+hint)
	}
	assert.NotContains(t, text, "SENDING MESSAGE")
	assert.NotContains(t, text, "From: ")
	assert.Empty(t, ts.mailbox.Messages())
}

func TestRunRejectedRecipient(t *testing.T) {
	srvCfg := passwordServer()
	srvCfg.RejectRecipients = []string{testTo}
	ts := startSandbox(t, srvCfg, true)

	var out, transcript bytes.Buffer
	var sawClose bool
	cfg := ts.runnerConfig(&out)
	cfg.Options.Transcript = &transcript
	cfg.Observer = func(from, to State) {
		if from == StateSendFailed && to == StateClosing {
			sawClose = true
		}
	}

	res := NewRunner(cfg).Run(context.Background())

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, KindSend, res.Kind())
	assert.True(t, sawClose, "session should be closed after a failed send")
	assert.Equal(t, StateDone, res.Final)
	assert.Contains(t, out.String(), "✗ Error sending message: RCPT TO:")
	assert.Contains(t, out.String(), "Closing connection...")
	assert.Contains(t, transcript.String(), "  C: QUIT")
	assert.Contains(t, transcript.String(), "  S: 221")
	assert.Empty(t, ts.mailbox.Messages())
}

func TestRunConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	var out bytes.Buffer
	res := NewRunner(RunnerConfig{
		Options: Options{Host: "127.0.0.1", Port: addr.Port, ConnectTimeout: time.Second},
		Out:     console.New(&out),
	}).Run(context.Background())

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, KindConnection, res.Kind())
	assert.Equal(t, []State{StateInit, StateConnecting, StateConnectFailed}, res.Path)
	assert.Contains(t, out.String(), "✗ Connection error: ")
}

func TestRunMechanisms(t *testing.T) {
	tests := []struct {
		name      string
		server    sandbox.ServerConfig
		mechanism string
		tokens    oauth2.TokenSource
		wantKind  Kind
	}{
		{
			name:      "explicit login",
			server:    passwordServer(),
			mechanism: config.AuthLogin,
		},
		{
			name:     "auto picks xoauth2 with a token source",
			server:   sandbox.ServerConfig{AuthUsername: testUser, AuthPassword: testPassword, BearerToken: "tok"},
			tokens:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok"}),
			wantKind: KindNone,
		},
		{
			name:     "xoauth2 with a bad token",
			server:   sandbox.ServerConfig{BearerToken: "tok"},
			tokens:   oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "expired"}),
			wantKind: KindAuthentication,
		},
		{
			name:      "mechanism not offered",
			server:    sandbox.ServerConfig{BearerToken: "tok"},
			mechanism: config.AuthPlain,
			wantKind:  KindAuthentication,
		},
		{
			name:     "server without AUTH",
			server:   sandbox.ServerConfig{},
			wantKind: KindAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := startSandbox(t, tt.server, true)

			var out bytes.Buffer
			cfg := ts.runnerConfig(&out)
			cfg.Options.Mechanism = tt.mechanism
			cfg.Options.TokenSource = tt.tokens

			res := NewRunner(cfg).Run(context.Background())

			assert.Equal(t, tt.wantKind, res.Kind(), out.String())
			if tt.wantKind == KindNone {
				assert.Equal(t, 0, res.ExitCode)
				assert.Len(t, ts.mailbox.Messages(), 1)
			} else {
				assert.Equal(t, 1, res.ExitCode)
				assert.Empty(t, ts.mailbox.Messages())
			}
		})
	}
}

func TestRunsAreIndependent(t *testing.T) {
	ts := startSandbox(t, passwordServer(), true)

	var out bytes.Buffer
	first := NewRunner(ts.runnerConfig(&out)).Run(context.Background())
	second := NewRunner(ts.runnerConfig(&out)).Run(context.Background())

	require.Equal(t, 0, first.ExitCode)
	require.Equal(t, 0, second.ExitCode)

	msgs := ts.mailbox.Messages()
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].MessageID, msgs[1].MessageID)
	assert.Equal(t, first.Message.FromAddress, second.Message.FromAddress)
	assert.Equal(t, first.Message.To, second.Message.To)
}

func TestRunTranscriptRedactsCredentials(t *testing.T) {
	ts := startSandbox(t, passwordServer(), true)

	var out, transcript bytes.Buffer
	cfg := ts.runnerConfig(&out)
	cfg.Options.Transcript = &transcript

	res := NewRunner(cfg).Run(context.Background())
	require.Equal(t, 0, res.ExitCode)

	text := transcript.String()
	assert.Contains(t, text, "  S: 220 ")
	assert.Contains(t, text, "  C: STARTTLS")
	assert.Contains(t, text, "  C: AUTH PLAIN "+redacted)
	assert.Contains(t, text, "  C: QUIT")
	assert.NotContains(t, text, testPassword)
}

func TestRunCancelledContext(t *testing.T) {
	ts := startSandbox(t, passwordServer(), true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	res := NewRunner(ts.runnerConfig(&out)).Run(ctx)

	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, KindConnection, res.Kind())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECT_FAILED", StateConnectFailed.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
