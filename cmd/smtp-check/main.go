// Package main is the entry point for the SMTP account checker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shineum/smtp-check/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// app carries the state shared by all commands of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	stdin  *os.File

	configPath string
	envFile    string
	logLevel   string
	verbose    bool

	cfg      *config.Config
	exitCode int
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, stdin: os.Stdin}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return a.exitCode
}

func (a *app) rootCmd() *cobra.Command {
	flags := &checkFlags{}
	root := &cobra.Command{
		Use:   "smtp-check",
		Short: "Check that an SMTP account can send mail",
		Long: `smtp-check connects to a submission server, upgrades the connection with
STARTTLS, authenticates and sends one test message, printing each step.
It exits 0 when the message was accepted and 1 otherwise.`,
		Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runCheck(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "path to a YAML or TOML configuration file")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "print the SMTP transcript with credentials redacted")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	addCheckFlags(root, flags)

	root.AddCommand(a.checkCmd())
	root.AddCommand(a.compareCmd())
	root.AddCommand(a.sandboxCmd())
	root.AddCommand(a.versionCmd())
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "smtp-check %s\n", cmd.Root().Version)
		},
	}
}

// setup loads the env file and configuration and installs the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}

	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	setupLogger(cfg.Logging.Level, a.stderr)
	slog.Debug("configuration loaded", "config_file", a.configPath, "env_file", a.envFile)
	return nil
}

// loadConfig loads configuration from the specified path (file + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. Logs go to w so they stay apart from the console
// report on stdout.
func setupLogger(level string, w io.Writer) slog.Level {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelWarn
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
	return logLevel
}
