package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"
	"golang.org/x/term"

	"github.com/shineum/smtp-check/internal/config"
	"github.com/shineum/smtp-check/internal/console"
	"github.com/shineum/smtp-check/internal/discovery"
	"github.com/shineum/smtp-check/internal/email"
	"github.com/shineum/smtp-check/internal/metrics"
	"github.com/shineum/smtp-check/internal/oauth"
	"github.com/shineum/smtp-check/internal/probe"
	"github.com/shineum/smtp-check/internal/ses"
	tlsutil "github.com/shineum/smtp-check/internal/tls"
)

// checkFlags are the command-line overrides shared by check and compare.
type checkFlags struct {
	host        string
	port        int
	username    string
	to          string
	from        string
	fromName    string
	auth        string
	insecure    bool
	caFile      string
	metricsFile string
}

func addCheckFlags(cmd *cobra.Command, f *checkFlags) {
	fs := cmd.Flags()
	fs.StringVar(&f.host, "host", "", "submission server (default: SES endpoint or DNS SRV lookup)")
	fs.IntVarP(&f.port, "port", "p", 587, "submission port")
	fs.StringVarP(&f.username, "username", "u", "", "account to authenticate as")
	fs.StringVar(&f.to, "to", "", "recipient of the test message")
	fs.StringVar(&f.from, "from", "", "sender address (default: username)")
	fs.StringVar(&f.fromName, "from-name", "", "sender display name")
	fs.StringVar(&f.auth, "auth", "", "auth mechanism: auto, plain, login or xoauth2")
	fs.BoolVar(&f.insecure, "insecure-skip-verify", false, "do not verify the server certificate")
	fs.StringVar(&f.caFile, "ca-file", "", "PEM bundle used instead of the system roots")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile")
}

// apply overrides cfg with the flags given on the command line.
func (f *checkFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("host") {
		cfg.SMTP.Host = f.host
	}
	if fs.Changed("port") {
		cfg.SMTP.Port = f.port
	}
	if fs.Changed("username") {
		cfg.SMTP.Username = f.username
	}
	if fs.Changed("to") {
		cfg.Message.To = f.to
	}
	if fs.Changed("from") {
		cfg.Message.FromAddress = f.from
	}
	if fs.Changed("from-name") {
		cfg.Message.FromName = f.fromName
	}
	if fs.Changed("auth") {
		cfg.SMTP.AuthMechanism = strings.ToLower(f.auth)
	}
	if fs.Changed("insecure-skip-verify") {
		cfg.TLS.InsecureSkipVerify = f.insecure
	}
	if fs.Changed("ca-file") {
		cfg.TLS.CAFile = f.caFile
	}
	if fs.Changed("metrics-file") {
		cfg.Metrics.Textfile = f.metricsFile
	}
}

func (a *app) checkCmd() *cobra.Command {
	flags := &checkFlags{}
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect, authenticate and send one test message (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCheck(cmd, flags)
		},
	}
	addCheckFlags(cmd, flags)
	return cmd
}

func (a *app) compareCmd() *cobra.Command {
	flags := &checkFlags{}
	var pause time.Duration
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Send one message without and one with authentication",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCompare(cmd, flags, pause)
		},
	}
	addCheckFlags(cmd, flags)
	cmd.Flags().DurationVar(&pause, "pause", probe.DefaultComparePause, "wait between the two runs")
	return cmd
}

func (a *app) runCheck(cmd *cobra.Command, flags *checkFlags) error {
	ctx := cmd.Context()
	flags.apply(cmd, a.cfg)

	out := console.New(a.stdout)
	rc, err := a.prepare(ctx, a.cfg, out)
	if probe.KindOf(err) == probe.KindConnection {
		res := connectFailed(out, err)
		a.exitCode = res.ExitCode
		return writeMetrics(a.cfg.Metrics.Textfile, map[string]*probe.Result{"check": res})
	}
	if err != nil {
		return err
	}

	res := probe.NewRunner(rc).Run(ctx)
	a.exitCode = res.ExitCode
	slog.Info("check finished", "final_state", res.Final.String(), "kind", res.Kind().String())

	return writeMetrics(a.cfg.Metrics.Textfile, map[string]*probe.Result{"check": res})
}

func (a *app) runCompare(cmd *cobra.Command, flags *checkFlags, pause time.Duration) error {
	ctx := cmd.Context()
	flags.apply(cmd, a.cfg)

	out := console.New(a.stdout)
	rc, err := a.prepare(ctx, a.cfg, out)
	if probe.KindOf(err) == probe.KindConnection {
		res := connectFailed(out, err)
		a.exitCode = res.ExitCode
		return writeMetrics(a.cfg.Metrics.Textfile, map[string]*probe.Result{
			"without_auth": res,
			"with_auth":    res,
		})
	}
	if err != nil {
		return err
	}

	res := probe.Compare(ctx, probe.CompareConfig{Base: rc, Pause: pause})
	a.exitCode = res.ExitCode

	return writeMetrics(a.cfg.Metrics.Textfile, map[string]*probe.Result{
		"without_auth": res.WithoutAuth,
		"with_auth":    res.WithAuth,
	})
}

// prepare resolves the server and credentials, prints the configuration
// summary and returns the runner configuration.
func (a *app) prepare(ctx context.Context, cfg *config.Config, out *console.Printer) (probe.RunnerConfig, error) {
	if err := cfg.Validate(); err != nil {
		return probe.RunnerConfig{}, err
	}
	if err := resolveSES(ctx, cfg); err != nil {
		return probe.RunnerConfig{}, err
	}
	if err := discoverHost(ctx, cfg); err != nil {
		return probe.RunnerConfig{}, err
	}

	var tokens oauth2.TokenSource
	if cfg.OAuthConfigured() && (cfg.SMTP.AuthMechanism == config.AuthAuto || cfg.SMTP.AuthMechanism == config.AuthXOAuth2) {
		ts, err := oauth.NewTokenSource(ctx, oauth.Config{
			TenantID:     cfg.OAuth.TenantID,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			TokenURL:     cfg.OAuth.TokenURL,
			Scope:        cfg.OAuth.Scope,
		}, nil)
		if err != nil {
			return probe.RunnerConfig{}, err
		}
		tokens = ts
	}

	if cfg.SMTP.Password == "" && tokens == nil {
		if err := a.promptPassword(cfg); err != nil {
			return probe.RunnerConfig{}, err
		}
	}

	tlsCfg, err := tlsutil.ClientConfig(tlsutil.ClientOptions{
		ServerName:         cfg.TLS.ServerName,
		CAFile:             cfg.TLS.CAFile,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return probe.RunnerConfig{}, err
	}

	printConfig(out, cfg, tokens != nil)

	if cfg.SESConfigured() && cfg.SES.Preflight {
		client, err := ses.New(ctx, sesConfig(cfg))
		if err != nil {
			out.Warning("SES preflight skipped: %v", err)
		} else {
			client.Preflight(ctx, cfg.FromAddress(), out)
		}
	}

	opts := probe.Options{
		Host:           cfg.SMTP.Host,
		Port:           cfg.SMTP.Port,
		Username:       cfg.SMTP.Username,
		Password:       cfg.SMTP.Password,
		Mechanism:      cfg.SMTP.AuthMechanism,
		LocalName:      cfg.SMTP.LocalName,
		ConnectTimeout: time.Duration(cfg.SMTP.ConnectTimeout),
		TLSConfig:      tlsCfg,
		TokenSource:    tokens,
	}
	if a.verbose {
		opts.Transcript = out.Writer()
	}

	return probe.RunnerConfig{
		Options: opts,
		Message: email.TestMessageOptions{
			FromName:    cfg.Message.FromName,
			FromAddress: cfg.FromAddress(),
			To:          cfg.Message.To,
		},
		Out: out,
	}, nil
}

func sesConfig(cfg *config.Config) ses.Config {
	return ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
	}
}

// resolveSES points the check at the regional SES endpoint and derives SMTP
// credentials from the AWS access key unless both are set explicitly.
func resolveSES(ctx context.Context, cfg *config.Config) error {
	if !cfg.SESConfigured() {
		return nil
	}
	if cfg.SMTP.Host == "" {
		cfg.SMTP.Host = ses.Host(cfg.SES.Region)
		cfg.SMTP.Port = ses.SMTPPort
	}
	if cfg.SMTP.Username != "" && cfg.SMTP.Password != "" {
		return nil
	}

	awsCfg, err := ses.LoadAWSConfig(ctx, sesConfig(cfg))
	if err != nil {
		return err
	}
	creds, err := ses.DeriveSMTPCredentials(ctx, awsCfg.Credentials, cfg.SES.Region)
	if err != nil {
		return err
	}
	cfg.SMTP.Username = creds.Username
	cfg.SMTP.Password = creds.Password
	slog.Info("derived SES SMTP credentials", "region", cfg.SES.Region, "username", creds.Username)
	return nil
}

// discoverHost looks up the submission SRV record of the sender's domain
// when no host is configured.
func discoverHost(ctx context.Context, cfg *config.Config) error {
	if cfg.SMTP.Host != "" {
		return nil
	}
	domain := discovery.DomainOf(cfg.FromAddress())
	if domain == "" {
		return errors.New("smtp host is required (smtp.host / SMTP_HOST / --host)")
	}

	resolver, err := discovery.NewResolver(discovery.Options{})
	if err != nil {
		return fmt.Errorf("no smtp host configured: %w", err)
	}
	target, err := resolver.Submission(ctx, domain)
	if err != nil {
		return probe.ConnectionError.Wrap(err)
	}

	cfg.SMTP.Host = target.Host
	cfg.SMTP.Port = target.Port
	slog.Info("discovered submission server", "domain", domain, "addr", target.Addr())
	return nil
}

// connectFailed reports a failure that happened before the first connection
// attempt, such as host discovery, as a failed run.
func connectFailed(out *console.Printer, err error) *probe.Result {
	out.Failure("Connection error: %s", probe.Message(err))
	out.Step("Could not establish a connection with the SMTP server")
	return &probe.Result{
		Path:     []probe.State{probe.StateInit, probe.StateConnecting, probe.StateConnectFailed},
		Final:    probe.StateConnectFailed,
		ExitCode: 1,
		Err:      err,
	}
}

// promptPassword reads the password from the terminal. Without a terminal
// the password stays empty and the server decides.
func (a *app) promptPassword(cfg *config.Config) error {
	if a.stdin == nil || !term.IsTerminal(int(a.stdin.Fd())) {
		return nil
	}
	fmt.Fprintf(a.stderr, "Password for %s: ", cfg.SMTP.Username)
	pw, err := term.ReadPassword(int(a.stdin.Fd()))
	fmt.Fprintln(a.stderr)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	cfg.SMTP.Password = string(pw)
	return nil
}

func printConfig(out *console.Printer, cfg *config.Config, oauthEnabled bool) {
	out.Line("Configuration:")
	out.Detail("Host: %s", cfg.Addr())
	out.Detail("TLS: ENABLED (STARTTLS)")
	out.Detail("User: %s", cfg.SMTP.Username)
	switch {
	case oauthEnabled:
		out.Detail("Password: (OAuth2 client credentials)")
	default:
		out.Detail("Password: %s", maskSecret(cfg.SMTP.Password))
	}
	out.Detail("Auth: %s", cfg.SMTP.AuthMechanism)
	out.Detail("From: %s", cfg.FromAddress())
	out.Detail("To: %s", cfg.Message.To)
	out.Blank()
}

// maskSecret hides a secret while showing whether it is set.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	return strings.Repeat("*", 8)
}

// writeMetrics records each run and writes the textfile. It does nothing
// when path is empty.
func writeMetrics(path string, runs map[string]*probe.Result) error {
	if path == "" {
		return nil
	}

	rec := metrics.New()
	now := time.Now()
	for name, res := range runs {
		rep := metrics.Report{
			Run:      name,
			Success:  res.Sent(),
			Steps:    res.Durations,
			Finished: now,
		}
		if k := res.Kind(); k != probe.KindNone {
			rep.FailureKind = k.String()
		}
		rec.Observe(rep)
	}

	if err := rec.WriteTextfile(path); err != nil {
		return err
	}
	slog.Debug("metrics written", "path", path)
	return nil
}
