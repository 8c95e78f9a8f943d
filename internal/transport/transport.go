// Package transport delivers a finalized message through an ordered list
// of outbound accounts, falling back to local delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/threadmail/internal/email"
	"github.com/shineum/threadmail/internal/metrics"
	"github.com/shineum/threadmail/internal/provider"
)

var (
	// ErrDeliveryFailed is returned once every account and the local
	// fallback have failed.
	ErrDeliveryFailed = errors.New("delivery failed on every transport")

	// ErrNoConnection is reported for an account that yielded no provider.
	ErrNoConnection = errors.New("account has no connection")
)

// LocalAccount is the account label recorded for local delivery attempts.
const LocalAccount = "local"

// Account is a configured outbound account. Connections are owned by the
// account; the chain only borrows one per attempt.
type Account interface {
	ID() string
	Email() string
	Host() string
	Port() int
	Active() bool
	Connection(ctx context.Context) (provider.Provider, error)
}

// Attempt is the outcome of one delivery attempt.
type Attempt struct {
	Transport string
	Account   string
	Host      string
	Port      int
	Elapsed   time.Duration
	Err       error
}

// OK reports whether the attempt delivered the message.
func (a Attempt) OK() bool {
	return a.Err == nil
}

// Result lists every attempt made for one message, in order. On success
// the last attempt is the one that delivered.
type Result struct {
	MessageID string
	Attempts  []Attempt
}

// Delivered returns the successful attempt, if any.
func (r Result) Delivered() (Attempt, bool) {
	if n := len(r.Attempts); n > 0 && r.Attempts[n-1].OK() {
		return r.Attempts[n-1], true
	}
	return Attempt{}, false
}

// Chain tries each account strictly in order and stops at the first
// success. A Chain is built per send and is not safe for concurrent use.
type Chain struct {
	Accounts []Account

	// Local builds the local-delivery fallback for an envelope sender.
	// Nil disables the fallback.
	Local func(envelopeSender string) provider.Provider
	// LocalSender is the envelope sender override handed to Local.
	LocalSender string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Deliver sends msg. It returns the message's id on the first success, or
// an error wrapping ErrDeliveryFailed and every attempt's error.
func (c *Chain) Deliver(ctx context.Context, msg *email.Message) (Result, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	res := Result{}

	for _, acct := range c.Accounts {
		if acct == nil || !acct.Active() {
			continue
		}
		a := Attempt{Account: acct.ID(), Host: acct.Host(), Port: acct.Port()}
		start := time.Now()
		p, err := acct.Connection(ctx)
		switch {
		case err != nil:
			a.Err = fmt.Errorf("connect: %w", err)
		case p == nil:
			a.Err = ErrNoConnection
		default:
			a.Transport = p.Name()
			a.Err = p.Send(ctx, msg)
		}
		a.Elapsed = time.Since(start)
		if c.record(logger, &res, msg, a) {
			res.MessageID = msg.MessageID()
			return res, nil
		}
	}

	if c.Local != nil {
		a := Attempt{Account: LocalAccount}
		start := time.Now()
		if p := c.Local(c.LocalSender); p == nil {
			a.Err = ErrNoConnection
		} else {
			a.Transport = p.Name()
			a.Err = p.Send(ctx, msg)
		}
		a.Elapsed = time.Since(start)
		if c.record(logger, &res, msg, a) {
			res.MessageID = msg.MessageID()
			return res, nil
		}
	}

	errs := []error{ErrDeliveryFailed}
	if len(res.Attempts) == 0 {
		errs = append(errs, errors.New("no transport configured"))
	}
	for _, a := range res.Attempts {
		errs = append(errs, fmt.Errorf("%s: %w", a.Account, a.Err))
	}
	return res, errors.Join(errs...)
}

// record appends a to res, logs a failure exactly once and reports whether
// the attempt succeeded.
func (c *Chain) record(logger *slog.Logger, res *Result, msg *email.Message, a Attempt) bool {
	res.Attempts = append(res.Attempts, a)
	transport := a.Transport
	if transport == "" {
		transport = "unknown"
	}
	c.Metrics.ObserveAttempt(transport, a.Err, a.Elapsed)

	if a.Err == nil {
		logger.Debug("message delivered",
			"message_id", msg.MessageID(),
			"account", a.Account,
			"transport", transport,
		)
		return true
	}

	sender := ""
	if msg.From != nil {
		sender = msg.From.Address
	}
	logger.Error("delivery attempt failed",
		"message_id", msg.MessageID(),
		"sender", sender,
		"account", a.Account,
		"transport", transport,
		"host", a.Host,
		"port", a.Port,
		"temporary", provider.Temporary(a.Err),
		"error", a.Err,
	)
	return false
}
