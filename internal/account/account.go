// Package account implements outbound accounts backed by configuration.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shineum/threadmail/internal/config"
	"github.com/shineum/threadmail/internal/provider"
	"github.com/shineum/threadmail/internal/provider/graph"
	"github.com/shineum/threadmail/internal/provider/ses"
	"github.com/shineum/threadmail/internal/provider/smtp"
	"github.com/shineum/threadmail/internal/provider/stdout"
	mailtls "github.com/shineum/threadmail/internal/tls"
)

// Account is one configured outbound account. Its provider is created on
// first use and reused for the account's lifetime.
type Account struct {
	cfg    config.AccountConfig
	logger *slog.Logger
	dial   func(ctx context.Context, cfg config.AccountConfig) (provider.Provider, error)

	mu   sync.Mutex
	conn provider.Provider
}

// New creates an Account.
func New(cfg config.AccountConfig, logger *slog.Logger) *Account {
	if logger == nil {
		logger = slog.Default()
	}
	return &Account{cfg: cfg, logger: logger, dial: dial}
}

func (a *Account) ID() string    { return a.cfg.ID }
func (a *Account) Email() string { return a.cfg.Email }
func (a *Account) Name() string  { return a.cfg.Name }
func (a *Account) Host() string  { return a.cfg.Host }

// Port returns the configured port, or the default port of the account's
// TLS mode for SMTP accounts.
func (a *Account) Port() int {
	if a.cfg.Port != 0 || a.cfg.Type != config.AccountSMTP {
		return a.cfg.Port
	}
	mode, err := mailtls.ParseMode(a.cfg.TLS)
	if err != nil {
		return 0
	}
	return smtp.DefaultPort(mode)
}

// Active reports whether the account may be used.
func (a *Account) Active() bool {
	return !a.cfg.Disabled
}

// AllowSpoofing reports whether the account may send as any identity.
func (a *Account) AllowSpoofing() bool {
	return a.cfg.AllowSpoofing
}

// Connection returns the account's provider, creating it on first use. A
// failed creation is not cached.
func (a *Account) Connection(ctx context.Context) (provider.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn != nil {
		return a.conn, nil
	}
	p, err := a.dial(ctx, a.cfg)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.cfg.ID, err)
	}
	a.logger.Debug("account connection created", "account", a.cfg.ID, "type", a.cfg.Type)
	a.conn = p
	return p, nil
}

func dial(ctx context.Context, cfg config.AccountConfig) (provider.Provider, error) {
	switch cfg.Type {
	case config.AccountSMTP:
		mode, err := mailtls.ParseMode(cfg.TLS)
		if err != nil {
			return nil, err
		}
		sc := smtp.Config{
			Host:     cfg.Host,
			Port:     cfg.Port,
			Username: cfg.Username,
			Password: cfg.Password,
			TLS:      mode,
		}
		if mode != mailtls.ModeNone {
			tc, err := mailtls.ClientConfig(cfg.Host, cfg.CAFile, cfg.InsecureSkipVerify)
			if err != nil {
				return nil, err
			}
			sc.TLSConfig = tc
		}
		return smtp.New(sc)

	case config.AccountSES:
		return ses.New(ctx, ses.Config{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Sender:          cfg.Email,
		})

	case config.AccountGraph:
		return graph.New(graph.Config{
			TenantID:     cfg.TenantID,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Sender:       cfg.Email,
		}), nil

	case config.AccountStdout:
		p := stdout.New()
		p.Raw = cfg.Raw
		return p, nil
	}
	return nil, fmt.Errorf("unknown account type %q", cfg.Type)
}

// Set is the configured accounts, indexed by id.
type Set struct {
	byID map[string]*Account
	all  []*Account
}

// NewSet creates an Account for every configured account.
func NewSet(cfgs []config.AccountConfig, logger *slog.Logger) *Set {
	s := &Set{byID: make(map[string]*Account, len(cfgs))}
	for _, c := range cfgs {
		a := New(c, logger)
		s.byID[c.ID] = a
		s.all = append(s.all, a)
	}
	return s
}

// Get returns the account with the given id. A nil Set has no accounts.
func (s *Set) Get(id string) (*Account, bool) {
	if s == nil || id == "" {
		return nil, false
	}
	a, ok := s.byID[id]
	return a, ok
}

// All returns every account in configuration order.
func (s *Set) All() []*Account {
	if s == nil {
		return nil
	}
	return s.all
}
