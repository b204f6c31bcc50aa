// Package config provides environment-variable-first configuration loading
// with optional YAML or TOML file fallback for the SMTP checker.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 587
	defaultConnectTimeout = 10 * time.Second
	defaultLocalName      = "localhost"
	defaultFromName       = "SMTP Check"
	defaultSandboxListen  = "127.0.0.1:2525"
)

// Authentication mechanisms accepted in SMTPConfig.AuthMechanism.
const (
	AuthAuto    = "auto"
	AuthPlain   = "plain"
	AuthLogin   = "login"
	AuthXOAuth2 = "xoauth2"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp" toml:"smtp"`
	Message MessageConfig `yaml:"message" toml:"message"`
	TLS     TLSConfig     `yaml:"tls" toml:"tls"`
	SES     SESConfig     `yaml:"ses" toml:"ses"`
	OAuth   OAuthConfig   `yaml:"oauth" toml:"oauth"`
	Sandbox SandboxConfig `yaml:"sandbox" toml:"sandbox"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// SMTPConfig holds the submission server and account being checked.
type SMTPConfig struct {
	Host           string   `yaml:"host" toml:"host"`
	Port           int      `yaml:"port" toml:"port"`
	Username       string   `yaml:"username" toml:"username"`
	Password       string   `yaml:"password" toml:"password"`
	AuthMechanism  string   `yaml:"auth_mechanism" toml:"auth_mechanism"`
	LocalName      string   `yaml:"local_name" toml:"local_name"`
	ConnectTimeout Duration `yaml:"connect_timeout" toml:"connect_timeout"`
}

// MessageConfig holds the envelope of the test message.
type MessageConfig struct {
	FromName    string `yaml:"from_name" toml:"from_name"`
	FromAddress string `yaml:"from_address" toml:"from_address"`
	To          string `yaml:"to" toml:"to"`
}

// TLSConfig holds client verification settings and the sandbox certificate paths.
type TLSConfig struct {
	ServerName         string `yaml:"server_name" toml:"server_name"`
	CAFile             string `yaml:"ca_file" toml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
	CertFile           string `yaml:"cert_file" toml:"cert_file"`
	KeyFile            string `yaml:"key_file" toml:"key_file"`
}

// SESConfig holds AWS SES settings used to derive SMTP credentials.
type SESConfig struct {
	Region          string `yaml:"region" toml:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key"`
	Preflight       bool   `yaml:"preflight" toml:"preflight"`
}

// OAuthConfig holds client-credentials settings for XOAUTH2.
type OAuthConfig struct {
	TenantID     string `yaml:"tenant_id" toml:"tenant_id"`
	ClientID     string `yaml:"client_id" toml:"client_id"`
	ClientSecret string `yaml:"client_secret" toml:"client_secret"`
	TokenURL     string `yaml:"token_url" toml:"token_url"`
	Scope        string `yaml:"scope" toml:"scope"`
}

// SandboxConfig holds the local test server settings.
type SandboxConfig struct {
	Listen           string   `yaml:"listen" toml:"listen"`
	Username         string   `yaml:"username" toml:"username"`
	Password         string   `yaml:"password" toml:"password"`
	BearerToken      string   `yaml:"bearer_token" toml:"bearer_token"`
	RejectRecipients []string `yaml:"reject_recipients" toml:"reject_recipients"`
	DisableTLS       bool     `yaml:"disable_tls" toml:"disable_tls"`
}

// MetricsConfig holds the Prometheus textfile output path.
type MetricsConfig struct {
	Textfile string `yaml:"textfile" toml:"textfile"`
}

// Duration is a time.Duration that decodes from strings such as "10s" in
// both YAML and TOML files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or TOML file as the base layer,
// then overrides with environment variables. The format is chosen by file
// extension; anything other than .toml is parsed as YAML.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Environment variables always override file values
	cfg.applyEnvVars()

	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// SESConfigured returns true if an SES region is set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// OAuthConfigured returns true if client credentials and a token endpoint
// (explicit or derived from the tenant) are available.
func (c *Config) OAuthConfigured() bool {
	return c.OAuth.ClientID != "" &&
		c.OAuth.ClientSecret != "" &&
		(c.OAuth.TokenURL != "" || c.OAuth.TenantID != "")
}

// SandboxAuthEnabled returns true if the sandbox requires authentication.
func (c *Config) SandboxAuthEnabled() bool {
	return (c.Sandbox.Username != "" && c.Sandbox.Password != "") || c.Sandbox.BearerToken != ""
}

// FromAddress returns the configured sender, falling back to the username.
func (c *Config) FromAddress() string {
	if c.Message.FromAddress != "" {
		return c.Message.FromAddress
	}
	return c.SMTP.Username
}

// Addr returns host:port of the submission server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.SMTP.Host, c.SMTP.Port)
}

// Validate reports the first missing or invalid setting required to run a check.
// Host may be empty when SES or DNS discovery will supply it.
func (c *Config) Validate() error {
	if c.SMTP.Port <= 0 || c.SMTP.Port > 65535 {
		return fmt.Errorf("invalid smtp port %d", c.SMTP.Port)
	}
	if c.Message.To == "" {
		return errors.New("recipient address is required (message.to / MAIL_TO)")
	}
	if c.FromAddress() == "" {
		return errors.New("sender address is required (message.from_address / MAIL_FROM_ADDRESS)")
	}
	switch c.SMTP.AuthMechanism {
	case AuthAuto, AuthPlain, AuthLogin:
	case AuthXOAuth2:
		if !c.OAuthConfigured() {
			return errors.New("xoauth2 requires oauth client_id, client_secret and tenant_id or token_url")
		}
	default:
		return fmt.Errorf("unknown auth mechanism %q", c.SMTP.AuthMechanism)
	}
	if c.SMTP.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s", time.Duration(c.SMTP.ConnectTimeout))
	}
	return nil
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = defaultPort
	c.SMTP.AuthMechanism = AuthAuto
	c.SMTP.LocalName = defaultLocalName
	c.SMTP.ConnectTimeout = Duration(defaultConnectTimeout)
	c.Message.FromName = defaultFromName
	c.Sandbox.Listen = defaultSandboxListen
	c.Logging.Level = "warn"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_AUTH_MECHANISM"); v != "" {
		c.SMTP.AuthMechanism = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_LOCAL_NAME"); v != "" {
		c.SMTP.LocalName = v
	}
	if v := os.Getenv("SMTP_CONNECT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.ConnectTimeout = Duration(d)
		}
	}

	if v := os.Getenv("MAIL_FROM_ADDRESS"); v != "" {
		c.Message.FromAddress = v
	}
	if v := os.Getenv("MAIL_FROM_NAME"); v != "" {
		c.Message.FromName = v
	}
	if v := os.Getenv("MAIL_TO"); v != "" {
		c.Message.To = v
	}

	if v := os.Getenv("TLS_SERVER_NAME"); v != "" {
		c.TLS.ServerName = v
	}
	if v := os.Getenv("TLS_CA_FILE"); v != "" {
		c.TLS.CAFile = v
	}
	if v := os.Getenv("TLS_INSECURE_SKIP_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.InsecureSkipVerify = b
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_PREFLIGHT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SES.Preflight = b
		}
	}

	if v := os.Getenv("OAUTH_TENANT_ID"); v != "" {
		c.OAuth.TenantID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_ID"); v != "" {
		c.OAuth.ClientID = v
	}
	if v := os.Getenv("OAUTH_CLIENT_SECRET"); v != "" {
		c.OAuth.ClientSecret = v
	}
	if v := os.Getenv("OAUTH_TOKEN_URL"); v != "" {
		c.OAuth.TokenURL = v
	}
	if v := os.Getenv("OAUTH_SCOPE"); v != "" {
		c.OAuth.Scope = v
	}

	if v := os.Getenv("SANDBOX_LISTEN"); v != "" {
		c.Sandbox.Listen = v
	}
	if v := os.Getenv("SANDBOX_USERNAME"); v != "" {
		c.Sandbox.Username = v
	}
	if v := os.Getenv("SANDBOX_PASSWORD"); v != "" {
		c.Sandbox.Password = v
	}

	if v := os.Getenv("METRICS_TEXTFILE"); v != "" {
		c.Metrics.Textfile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
