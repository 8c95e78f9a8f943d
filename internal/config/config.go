// Package config provides YAML configuration loading with environment
// variable overrides and optional .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	mailtls "github.com/shineum/threadmail/internal/tls"
)

// DefaultEnvFile is loaded when no explicit .env file is given.
const DefaultEnvFile = ".env"

// Account types.
const (
	AccountSMTP   = "smtp"
	AccountSES    = "ses"
	AccountGraph  = "graph"
	AccountStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	// SecretSalt keys the Message-ID signatures and derives the
	// installation code. Changing it orphans every issued Message-ID.
	SecretSalt   string          `yaml:"secret_salt"`
	Mail         MailConfig      `yaml:"mail"`
	Sender       IdentityConfig  `yaml:"sender"`
	DefaultMTA   string          `yaml:"default_mta"`
	DefaultEmail IdentityConfig  `yaml:"default_email"`
	Accounts     []AccountConfig `yaml:"accounts"`
	Sendmail     SendmailConfig  `yaml:"sendmail"`
	Store        StoreConfig     `yaml:"store"`
	DKIM         DKIMConfig      `yaml:"dkim"`
	Logging      LoggingConfig   `yaml:"logging"`
	Metrics      MetricsConfig   `yaml:"metrics"`
}

// MailConfig holds message composition settings.
type MailConfig struct {
	ReplySeparator   string `yaml:"reply_separator"`
	StripQuotedReply bool   `yaml:"strip_quoted_reply"`
	RichText         bool   `yaml:"rich_text"`
	// EOL is "crlf", "lf" or a literal line ending.
	EOL       string `yaml:"eol"`
	XMailer   string `yaml:"x_mailer"`
	TextWidth int    `yaml:"text_width"`
}

// IdentityConfig is a sender identity: an address, its display name and
// the account that delivers its mail.
type IdentityConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Account string `yaml:"account"`
}

// AccountConfig is one outbound account.
type AccountConfig struct {
	ID       string `yaml:"id"`
	Type     string `yaml:"type"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Disabled bool   `yaml:"disabled"`
	// AllowSpoofing lets the account send as any sender identity.
	AllowSpoofing bool `yaml:"allow_spoofing"`

	// smtp
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TLS                string `yaml:"tls"`
	CAFile             string `yaml:"ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	// ses
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// graph
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// stdout
	Raw bool `yaml:"raw"`
}

// SendmailConfig configures the local delivery fallback.
type SendmailConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// StoreConfig holds the SQLite database location.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// DKIMConfig holds the optional DKIM signing key.
type DKIMConfig struct {
	Domain     string `yaml:"domain"`
	Selector   string `yaml:"selector"`
	KeyFile    string `yaml:"key_file"`
	PrivateKey string `yaml:"private_key"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus textfile export path.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// LoadDotEnv loads variables from a .env file into the environment without
// overriding variables that are already set. An empty path loads
// DefaultEnvFile if it exists.
func LoadDotEnv(path string) error {
	if path == "" {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.SecretSalt == "" {
		return errors.New("secret_salt is required")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("accounts[%d]: id is required", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
		if err := a.validate(); err != nil {
			return fmt.Errorf("account %q: %w", a.ID, err)
		}
	}

	refs := []struct{ key, id string }{
		{"default_mta", c.DefaultMTA},
		{"sender.account", c.Sender.Account},
		{"default_email.account", c.DefaultEmail.Account},
	}
	for _, r := range refs {
		if _, ok := c.Account(r.id); r.id != "" && !ok {
			return fmt.Errorf("%s: unknown account %q", r.key, r.id)
		}
	}

	if c.DKIM.Domain != "" && !c.DKIMConfigured() {
		return errors.New("dkim: selector and a key are required when a domain is set")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

func (a AccountConfig) validate() error {
	switch a.Type {
	case AccountSMTP:
		if a.Host == "" {
			return errors.New("host is required")
		}
		if a.Port < 0 || a.Port > 65535 {
			return fmt.Errorf("invalid port %d", a.Port)
		}
		if _, err := mailtls.ParseMode(a.TLS); err != nil {
			return err
		}
	case AccountSES:
		if a.Region == "" {
			return errors.New("region is required")
		}
	case AccountGraph:
		if a.TenantID == "" || a.ClientID == "" || a.ClientSecret == "" {
			return errors.New("tenant_id, client_id and client_secret are required")
		}
		if a.Email == "" {
			return errors.New("email is required")
		}
	case AccountStdout:
	default:
		return fmt.Errorf("unknown type %q", a.Type)
	}
	return nil
}

// Account returns the account with the given id.
func (c *Config) Account(id string) (AccountConfig, bool) {
	for _, a := range c.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return AccountConfig{}, false
}

// LineEnding returns the configured serialization line ending.
func (m MailConfig) LineEnding() string {
	switch strings.ToLower(m.EOL) {
	case "", "crlf":
		return "\r\n"
	case "lf":
		return "\n"
	}
	return m.EOL
}

// DKIMConfigured returns true if a DKIM selector and key are set.
func (c *Config) DKIMConfigured() bool {
	return c.DKIM.Selector != "" && (c.DKIM.KeyFile != "" || c.DKIM.PrivateKey != "")
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Mail.ReplySeparator = "-- reply above this line --"
	c.Mail.StripQuotedReply = true
	c.Mail.RichText = true
	c.Mail.EOL = "crlf"
	c.Mail.XMailer = "threadmail"
	c.Mail.TextWidth = 90
	c.Sendmail.Path = "/usr/sbin/sendmail"
	c.Store.Path = "threadmail.db"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SECRET_SALT"); v != "" {
		c.SecretSalt = v
	}

	if v := os.Getenv("MAIL_REPLY_SEPARATOR"); v != "" {
		c.Mail.ReplySeparator = v
	}
	if v := os.Getenv("MAIL_STRIP_QUOTED_REPLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Mail.StripQuotedReply = b
		}
	}
	if v := os.Getenv("MAIL_RICH_TEXT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Mail.RichText = b
		}
	}
	if v := os.Getenv("MAIL_EOL"); v != "" {
		c.Mail.EOL = v
	}
	if v := os.Getenv("MAIL_TEXT_WIDTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Mail.TextWidth = n
		}
	}

	if v := os.Getenv("SENDER_ADDRESS"); v != "" {
		c.Sender.Address = v
	}
	if v := os.Getenv("SENDER_NAME"); v != "" {
		c.Sender.Name = v
	}
	if v := os.Getenv("SENDER_ACCOUNT"); v != "" {
		c.Sender.Account = v
	}
	if v := os.Getenv("DEFAULT_MTA"); v != "" {
		c.DefaultMTA = v
	}

	if v := os.Getenv("SENDMAIL_PATH"); v != "" {
		c.Sendmail.Path = v
	}
	if v := os.Getenv("SENDMAIL_DISABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Sendmail.Disabled = b
		}
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("DKIM_DOMAIN"); v != "" {
		c.DKIM.Domain = v
	}
	if v := os.Getenv("DKIM_SELECTOR"); v != "" {
		c.DKIM.Selector = v
	}
	if v := os.Getenv("DKIM_KEY_FILE"); v != "" {
		c.DKIM.KeyFile = v
	}
	if v := os.Getenv("DKIM_PRIVATE_KEY"); v != "" {
		c.DKIM.PrivateKey = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("METRICS_TEXTFILE"); v != "" {
		c.Metrics.Textfile = v
	}
}
