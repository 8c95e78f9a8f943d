package account

import (
	"context"
	"errors"
	"testing"

	"github.com/shineum/threadmail/internal/config"
	"github.com/shineum/threadmail/internal/email"
	"github.com/shineum/threadmail/internal/provider"
	"github.com/shineum/threadmail/internal/provider/graph"
	"github.com/shineum/threadmail/internal/provider/ses"
	"github.com/shineum/threadmail/internal/provider/smtp"
	"github.com/shineum/threadmail/internal/provider/stdout"
	"github.com/shineum/threadmail/internal/transport"
)

var _ transport.Account = (*Account)(nil)

type nopProvider struct{}

func (nopProvider) Send(context.Context, *email.Message) error { return nil }
func (nopProvider) Name() string                                { return "nop" }

func TestAccessors(t *testing.T) {
	t.Parallel()

	a := New(config.AccountConfig{
		ID:            "primary",
		Type:          config.AccountSMTP,
		Email:         "desk@example.com",
		Name:          "Help Desk",
		Host:          "smtp.example.com",
		AllowSpoofing: true,
	}, nil)

	if a.ID() != "primary" || a.Email() != "desk@example.com" || a.Name() != "Help Desk" || a.Host() != "smtp.example.com" {
		t.Errorf("unexpected identity: %s %s %s %s", a.ID(), a.Email(), a.Name(), a.Host())
	}
	if !a.Active() {
		t.Error("account should be active")
	}
	if !a.AllowSpoofing() {
		t.Error("account should allow spoofing")
	}

	disabled := New(config.AccountConfig{ID: "off", Type: config.AccountStdout, Disabled: true}, nil)
	if disabled.Active() {
		t.Error("disabled account should not be active")
	}
}

func TestPort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.AccountConfig
		want int
	}{
		{name: "explicit", cfg: config.AccountConfig{Type: config.AccountSMTP, Port: 2525}, want: 2525},
		{name: "smtp plain", cfg: config.AccountConfig{Type: config.AccountSMTP}, want: 25},
		{name: "smtp starttls", cfg: config.AccountConfig{Type: config.AccountSMTP, TLS: "starttls"}, want: 587},
		{name: "smtp tls", cfg: config.AccountConfig{Type: config.AccountSMTP, TLS: "tls"}, want: 465},
		{name: "smtp bad mode", cfg: config.AccountConfig{Type: config.AccountSMTP, TLS: "bogus"}, want: 0},
		{name: "ses", cfg: config.AccountConfig{Type: config.AccountSES}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := New(tt.cfg, nil).Port(); got != tt.want {
				t.Errorf("Port: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConnection_Types(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   config.AccountConfig
		check func(t *testing.T, p provider.Provider)
	}{
		{
			name: "smtp",
			cfg:  config.AccountConfig{ID: "a", Type: config.AccountSMTP, Host: "smtp.example.com", TLS: "starttls"},
			check: func(t *testing.T, p provider.Provider) {
				sp, ok := p.(*smtp.Provider)
				if !ok {
					t.Fatalf("got %T, want *smtp.Provider", p)
				}
				if sp.Addr() != "smtp.example.com:587" {
					t.Errorf("Addr: got %q", sp.Addr())
				}
			},
		},
		{
			name: "ses",
			cfg: config.AccountConfig{ID: "b", Type: config.AccountSES, Email: "relay@example.com",
				Region: "us-east-1", AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"},
			check: func(t *testing.T, p provider.Provider) {
				if _, ok := p.(*ses.Provider); !ok {
					t.Fatalf("got %T, want *ses.Provider", p)
				}
			},
		},
		{
			name: "graph",
			cfg: config.AccountConfig{ID: "c", Type: config.AccountGraph, Email: "desk@example.com",
				TenantID: "tenant", ClientID: "client", ClientSecret: "secret"},
			check: func(t *testing.T, p provider.Provider) {
				if _, ok := p.(*graph.Provider); !ok {
					t.Fatalf("got %T, want *graph.Provider", p)
				}
			},
		},
		{
			name: "stdout",
			cfg:  config.AccountConfig{ID: "d", Type: config.AccountStdout, Raw: true},
			check: func(t *testing.T, p provider.Provider) {
				sp, ok := p.(*stdout.Provider)
				if !ok {
					t.Fatalf("got %T, want *stdout.Provider", p)
				}
				if !sp.Raw {
					t.Error("Raw should be set from configuration")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.cfg, nil).Connection(context.Background())
			if err != nil {
				t.Fatalf("Connection: %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestConnection_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.AccountConfig
	}{
		{name: "unknown type", cfg: config.AccountConfig{ID: "x", Type: "pigeon"}},
		{name: "bad tls mode", cfg: config.AccountConfig{ID: "x", Type: config.AccountSMTP, Host: "h", TLS: "ssl2"}},
		{name: "missing host", cfg: config.AccountConfig{ID: "x", Type: config.AccountSMTP}},
		{name: "missing ca file", cfg: config.AccountConfig{ID: "x", Type: config.AccountSMTP, Host: "h", TLS: "tls", CAFile: "/nonexistent/ca.pem"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New(tt.cfg, nil).Connection(context.Background())
			if err == nil {
				t.Fatalf("expected error, got provider %T", p)
			}
		})
	}
}

func TestConnection_Caching(t *testing.T) {
	t.Parallel()

	calls := 0
	fail := true
	a := New(config.AccountConfig{ID: "cached", Type: config.AccountStdout}, nil)
	a.dial = func(context.Context, config.AccountConfig) (provider.Provider, error) {
		calls++
		if fail {
			return nil, errors.New("unreachable")
		}
		return nopProvider{}, nil
	}

	ctx := context.Background()
	if _, err := a.Connection(ctx); err == nil {
		t.Fatal("expected first connection to fail")
	}

	fail = false
	first, err := a.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}
	second, err := a.Connection(ctx)
	if err != nil {
		t.Fatalf("Connection: %v", err)
	}
	if first != second {
		t.Error("connection should be reused")
	}
	if calls != 2 {
		t.Errorf("dial calls: got %d, want 2", calls)
	}
}

func TestSet(t *testing.T) {
	t.Parallel()

	s := NewSet([]config.AccountConfig{
		{ID: "a", Type: config.AccountStdout},
		{ID: "b", Type: config.AccountStdout},
	}, nil)

	if len(s.All()) != 2 || s.All()[0].ID() != "a" || s.All()[1].ID() != "b" {
		t.Errorf("All: unexpected order %v", s.All())
	}
	if a, ok := s.Get("b"); !ok || a.ID() != "b" {
		t.Errorf("Get(b): got %v, %v", a, ok)
	}
	if _, ok := s.Get("z"); ok {
		t.Error("Get(z) should fail")
	}
	if _, ok := s.Get(""); ok {
		t.Error("Get with empty id should fail")
	}

	var none *Set
	if _, ok := none.Get("a"); ok || none.All() != nil {
		t.Error("nil set should be empty")
	}
}
