// Package smtp implements a Provider that relays messages to an SMTP
// server, optionally over TLS and with PLAIN authentication.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/threadmail/internal/email"
	mailtls "github.com/shineum/threadmail/internal/tls"
)

const defaultTimeout = 30 * time.Second

// Config holds the connection settings of one SMTP account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects plaintext, STARTTLS or implicit TLS.
	TLS mailtls.Mode
	// TLSConfig overrides the client TLS settings. Nil verifies Host
	// against the system roots.
	TLSConfig *tls.Config

	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
	// Timeout bounds the whole session when ctx has no deadline.
	Timeout time.Duration
}

// Provider delivers messages to one SMTP server. A new connection is
// opened for every message.
type Provider struct {
	cfg Config
}

// New creates a Provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort(cfg.TLS)
	}
	if cfg.TLS == "" {
		cfg.TLS = mailtls.ModeNone
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.TLS != mailtls.ModeNone && cfg.TLSConfig == nil {
		tc, err := mailtls.ClientConfig(cfg.Host, "", false)
		if err != nil {
			return nil, err
		}
		cfg.TLSConfig = tc
	}
	return &Provider{cfg: cfg}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

// Addr returns the host:port the provider connects to.
func (p *Provider) Addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Send opens a session, authenticates when credentials are configured and
// submits the message to every envelope recipient.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("message %q is not finalized", msg.MessageID())
	}
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return errors.New("message has no recipients")
	}
	from := msg.Sender
	if from == "" && msg.From != nil {
		from = msg.From.Address
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	c, err := p.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(p.cfg.LocalName); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if p.cfg.TLS == mailtls.ModeStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("%s does not support STARTTLS", p.Addr())
		}
		if err := c.StartTLS(p.cfg.TLSConfig); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}
	if p.cfg.Username != "" {
		if ok, _ := c.Extension("AUTH"); !ok {
			return fmt.Errorf("%s does not support AUTH", p.Addr())
		}
		if err := c.Auth(sasl.NewPlainClient("", p.cfg.Username, p.cfg.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.SendMail(from, rcpts, bytes.NewReader(msg.Raw)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	if err := c.Quit(); err != nil {
		return fmt.Errorf("QUIT failed: %w", err)
	}
	return nil
}

func (p *Provider) dial(ctx context.Context) (*gosmtp.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", p.Addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if p.cfg.TLS == mailtls.ModeTLS {
		tlsConn := tls.Client(conn, p.cfg.TLSConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with %s failed: %w", p.Addr(), err)
		}
		conn = tlsConn
	}
	return gosmtp.NewClient(conn), nil
}

// DefaultPort returns the submission port for a TLS mode.
func DefaultPort(mode mailtls.Mode) int {
	switch mode {
	case mailtls.ModeTLS:
		return 465
	case mailtls.ModeStartTLS:
		return 587
	}
	return 25
}
