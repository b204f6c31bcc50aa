package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-check/internal/sandbox"
	tlsutil "github.com/shineum/smtp-check/internal/tls"
)

func (a *app) sandboxCmd() *cobra.Command {
	var (
		listen  string
		writeCA string
	)
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run a local SMTP server to check against",
		Long: `sandbox runs a submission server on the local machine. It offers STARTTLS
with a self-signed or configured certificate, accepts AUTH PLAIN, LOGIN and
XOAUTH2 and prints every message it receives.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("listen") {
				cfg.Sandbox.Listen = listen
			}

			var tlsConfig *tls.Config
			tlsMode := "disabled"
			if !cfg.Sandbox.DisableTLS {
				var err error
				tlsConfig, err = tlsutil.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
				if err != nil {
					return fmt.Errorf("failed to setup TLS: %w", err)
				}
				tlsMode = "self-signed"
				if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
					tlsMode = "file"
				}
				if writeCA != "" {
					if err := tlsutil.WriteCertPEM(tlsConfig.Certificates[0], writeCA); err != nil {
						return err
					}
					fmt.Fprintf(a.stderr, "Certificate written to %s\n", writeCA)
				}
			}

			mailbox := sandbox.NewWriterMailbox(a.stdout)
			server := sandbox.New(sandbox.ServerConfig{
				ListenAddr:       cfg.Sandbox.Listen,
				Hostname:         "localhost",
				Mailbox:          mailbox,
				TLSConfig:        tlsConfig,
				AuthUsername:     cfg.Sandbox.Username,
				AuthPassword:     cfg.Sandbox.Password,
				BearerToken:      cfg.Sandbox.BearerToken,
				RejectRecipients: cfg.Sandbox.RejectRecipients,
			})
			if err := server.Listen(); err != nil {
				return err
			}

			slog.Info("sandbox listening",
				"addr", server.Addr(),
				"mailbox", mailbox.Name(),
				"auth_enabled", cfg.SandboxAuthEnabled(),
				"tls_mode", tlsMode,
			)
			fmt.Fprintf(a.stderr, "Sandbox listening on %s (TLS: %s)\n", server.Addr(), tlsMode)

			// Serve blocks until the context is cancelled by SIGINT or SIGTERM.
			if err := server.Serve(cmd.Context()); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			slog.Info("sandbox stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default 127.0.0.1:2525)")
	cmd.Flags().StringVar(&writeCA, "write-ca", "", "write the server certificate in PEM form for --ca-file")
	return cmd
}
