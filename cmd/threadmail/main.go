// Package main is the entry point for the threadmail command.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shineum/threadmail/internal/account"
	"github.com/shineum/threadmail/internal/compose"
	"github.com/shineum/threadmail/internal/config"
	"github.com/shineum/threadmail/internal/dkim"
	"github.com/shineum/threadmail/internal/htmltext"
	"github.com/shineum/threadmail/internal/mailer"
	"github.com/shineum/threadmail/internal/messageid"
	"github.com/shineum/threadmail/internal/metrics"
	"github.com/shineum/threadmail/internal/provider"
	"github.com/shineum/threadmail/internal/provider/sendmail"
	"github.com/shineum/threadmail/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootFlags are the flags shared by every command.
type rootFlags struct {
	configPath string
	envFile    string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "threadmail",
		Short: "Send threaded, correlation-tagged email",
		Long: `threadmail composes email whose Message-ID carries a signed correlation
token, and delivers it through the configured accounts with a local
sendmail fallback.

Example:
  threadmail send --to jane@example.org --subject "Ticket #42" --body-file reply.html --thread 42
  threadmail decode "<B2xk9Qa-...@example.com>"
  threadmail files add logo.png`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(flags.envFile); err != nil {
				return err
			}
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			slog.SetDefault(setupLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr()))
			flags.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "path to a .env file (default .env if present)")

	root.AddCommand(newSendCmd(flags))
	root.AddCommand(newDecodeCmd(flags))
	root.AddCommand(newFilesCmd(flags))
	return root
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger builds a logger with the given level. The text format uses
// charmbracelet/log as the slog handler; anything else is JSON.
func setupLogger(level, format string, w io.Writer) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	if format == "text" {
		return slog.New(log.NewWithOptions(w, log.Options{
			Level:           log.Level(logLevel),
			ReportTimestamp: true,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// app is the wiring shared by the commands that send mail.
type app struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	metrics  *metrics.Metrics
	accounts *account.Set
	mailer   mailer.Config
}

func newApp(cfg *config.Config) (*app, error) {
	logger := slog.Default()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	var signer *dkim.Signer
	if cfg.DKIMConfigured() {
		signer, err = dkim.New(dkim.Config{
			Domain:     cfg.DKIM.Domain,
			Selector:   cfg.DKIM.Selector,
			KeyFile:    cfg.DKIM.KeyFile,
			PrivateKey: cfg.DKIM.PrivateKey,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		logger.Debug("DKIM signing enabled", "selector", signer.Selector(), "domain", cfg.DKIM.Domain)
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		metrics:  metrics.New(),
		accounts: account.NewSet(cfg.Accounts, logger),
	}

	a.mailer = mailer.Config{
		Codec: messageid.New(cfg.SecretSalt),
		Composer: compose.New(compose.Config{
			Formatter:        htmltext.Formatter{},
			Threads:          st,
			Files:            st,
			Logger:           logger,
			RichText:         cfg.Mail.RichText,
			StripQuotedReply: cfg.Mail.StripQuotedReply,
			ReplySeparator:   cfg.Mail.ReplySeparator,
			XMailer:          cfg.Mail.XMailer,
			TextWidth:        cfg.Mail.TextWidth,
		}),
		Signer:     signer,
		DefaultMTA: a.account(cfg.DefaultMTA),
		Recorder:   st,
		Logger:     logger,
		Metrics:    a.metrics,
	}
	if cfg.DefaultEmail.Address != "" {
		a.mailer.DefaultEmail = a.identity(cfg.DefaultEmail)
	}
	if !cfg.Sendmail.Disabled {
		path := cfg.Sendmail.Path
		a.mailer.Local = func(sender string) provider.Provider {
			return sendmail.New(path, sender)
		}
	}
	return a, nil
}

// account returns the configured account with the given id, or nil.
func (a *app) account(id string) mailer.Account {
	acct, ok := a.accounts.Get(id)
	if !ok {
		return nil
	}
	return acct
}

func (a *app) identity(c config.IdentityConfig) *mailer.Identity {
	return &mailer.Identity{
		Address: c.Address,
		Name:    c.Name,
		Account: a.account(c.Account),
	}
}

// sender returns the configured sender identity, or nil when none is set.
func (a *app) sender() *mailer.Identity {
	if a.cfg.Sender.Address == "" {
		return nil
	}
	return a.identity(a.cfg.Sender)
}

// Close flushes metrics and closes the store.
func (a *app) Close() error {
	var errs []error
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
