// Package mailer resolves the sender and accounts for outbound email and
// runs the encode, compose, sign and deliver pipeline.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dario.cat/mergo"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/threadmail/internal/compose"
	"github.com/shineum/threadmail/internal/dkim"
	"github.com/shineum/threadmail/internal/email"
	"github.com/shineum/threadmail/internal/messageid"
	"github.com/shineum/threadmail/internal/metrics"
	"github.com/shineum/threadmail/internal/provider"
	"github.com/shineum/threadmail/internal/recipient"
	"github.com/shineum/threadmail/internal/store"
	"github.com/shineum/threadmail/internal/transport"
)

// Account is an outbound account that can also stand in as the sender.
type Account interface {
	transport.Account
	Name() string
	AllowSpoofing() bool
}

// Identity is a sender address, its display name and the account that
// delivers its mail. Account may be nil.
type Identity struct {
	Address string
	Name    string
	Account Account
}

// Recorder logs threaded emails so later sends can thread against them.
type Recorder interface {
	RecordEmail(ctx context.Context, e store.ThreadEmail) error
}

// Config holds the collaborators shared by every Mailer. Codec is required.
type Config struct {
	Codec    *messageid.Codec
	Composer *compose.Composer
	Signer   *dkim.Signer

	// DefaultMTA is tried after the sender's own account.
	DefaultMTA Account
	// DefaultEmail is the sender when none is selected and the default
	// MTA does not supply one.
	DefaultEmail *Identity

	// Local builds the local delivery fallback. Nil disables it.
	Local    func(envelopeSender string) provider.Provider
	Recorder Recorder

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Mailer sends email on behalf of one sender. It queues attachments
// between sends and must not be shared across goroutines.
type Mailer struct {
	cfg      Config
	identity *Identity
	accounts []transport.Account
	defaults email.Options

	from    *mail.Address
	pending []email.Attachable
}

// New creates a Mailer for sender, which may be nil. defaults are merged
// under the options of every send.
//
// Candidate accounts are, in order and without repeats: the sender's own
// account, the default MTA, and the default email's account when the
// sender is still unknown. Inactive accounts are skipped. The default MTA
// becomes the sender when it allows spoofing or no sender was given.
func New(cfg Config, sender *Identity, defaults email.Options) *Mailer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Composer == nil {
		cfg.Composer = compose.New(compose.Config{Logger: cfg.Logger})
	}

	m := &Mailer{cfg: cfg, defaults: defaults}
	seen := make(map[string]bool)
	add := func(a Account) {
		if a == nil || !a.Active() || seen[a.ID()] {
			return
		}
		seen[a.ID()] = true
		m.accounts = append(m.accounts, a)
	}

	identity := sender
	if identity != nil {
		add(identity.Account)
	}
	if mta := cfg.DefaultMTA; mta != nil && mta.Active() {
		add(mta)
		if mta.AllowSpoofing() || identity == nil {
			identity = &Identity{Address: mta.Email(), Name: mta.Name(), Account: mta}
		}
	}
	if identity == nil && cfg.DefaultEmail != nil {
		identity = cfg.DefaultEmail
		add(identity.Account)
	}
	m.identity = identity
	return m
}

// Identity returns the resolved sender, or nil.
func (m *Mailer) Identity() *Identity {
	return m.identity
}

// Accounts returns the candidate accounts in delivery order.
func (m *Mailer) Accounts() []transport.Account {
	return m.accounts
}

// SetFromAddress pins the From header, overriding the sender identity.
func (m *Mailer) SetFromAddress(from string) {
	if addr, err := mail.ParseAddress(from); err == nil {
		m.from = addr
		return
	}
	m.from = &mail.Address{Address: strings.Trim(from, "<> ")}
}

// FromAddress returns the From header for a send with opts.
func (m *Mailer) FromAddress(opts email.Options) *mail.Address {
	if m.from != nil {
		return m.from
	}
	if m.identity == nil || m.identity.Address == "" {
		return nil
	}
	name := opts.FromName
	if name == "" {
		name = m.identity.Name
	}
	return &mail.Address{Name: name, Address: m.identity.Address}
}

// AddAttachment queues a file for the next sends.
func (m *Mailer) AddAttachment(a email.Attachable) {
	if a != nil {
		m.pending = append(m.pending, a)
	}
}

// AddAttachments queues every non-nil attachable.
func (m *Mailer) AddAttachments(as ...email.Attachable) {
	for _, a := range as {
		m.AddAttachment(a)
	}
}

// Attachments returns the queued attachments.
func (m *Mailer) Attachments() []email.Attachable {
	return m.pending
}

// MessageID encodes a new correlation token for a message to r.
func (m *Mailer) MessageID(r recipient.Recipient, opts email.Options) (string, error) {
	tag := messageid.Tag{
		UserID:    recipient.UserID(r),
		UserClass: recipient.Class(r, opts.UserType),
	}
	if t := opts.Thread; t != nil {
		tag.ThreadID = t.ThreadID
		tag.EntryID = t.EntryID
	}
	sig := ""
	if m.identity != nil {
		sig = m.identity.Address
	}
	return m.cfg.Codec.Encode(tag, sig)
}

// Send composes and delivers a message and returns its Message-ID without
// angle brackets. The returned error wraps transport.ErrDeliveryFailed
// once every account and the local fallback have failed.
func (m *Mailer) Send(ctx context.Context, to recipient.Recipient, subject string, body email.Body, opts email.Options) (string, error) {
	opts, err := m.options(opts)
	if err != nil {
		return "", err
	}

	mid, err := m.MessageID(to, opts)
	if err != nil {
		return "", err
	}

	var returnPath string
	if m.identity != nil {
		returnPath = m.identity.Address
	}
	msg, err := m.cfg.Composer.Compose(ctx, compose.Input{
		Recipient:  to,
		Subject:    subject,
		Body:       body,
		Options:    opts,
		MessageID:  mid,
		From:       m.FromAddress(opts),
		ReturnPath: returnPath,
		Pending:    m.pending,
	})
	if err != nil {
		m.cfg.Metrics.ObserveSend(err)
		return "", fmt.Errorf("compose %s: %w", mid, err)
	}

	if err := m.cfg.Signer.SignMessage(msg); err != nil {
		m.cfg.Logger.Warn("sending unsigned message", "message_id", mid, "error", err)
	}

	localSender := opts.FromAddress
	if localSender == "" {
		localSender = returnPath
	}
	chain := transport.Chain{
		Accounts:    m.accounts,
		Local:       m.cfg.Local,
		LocalSender: localSender,
		Logger:      m.cfg.Logger,
		Metrics:     m.cfg.Metrics,
	}
	res, err := chain.Deliver(ctx, msg)
	m.cfg.Metrics.ObserveSend(err)
	if err != nil {
		return "", err
	}
	if d, ok := res.Delivered(); ok {
		m.cfg.Logger.Info("message sent", "message_id", mid, "account", d.Account, "transport", d.Transport, "attempts", len(res.Attempts))
	}

	m.record(ctx, to, opts, msg, mid)
	return mid, nil
}

// options merges call-site options over the mailer defaults. A set
// pointer field is never dereferenced, so an explicitly disabled reply
// tag stays disabled.
func (m *Mailer) options(opts email.Options) (email.Options, error) {
	if err := mergo.Merge(&opts, m.defaults, mergo.WithoutDereference); err != nil {
		return opts, fmt.Errorf("merge options: %w", err)
	}
	return opts, nil
}

func (m *Mailer) record(ctx context.Context, to recipient.Recipient, opts email.Options, msg *email.Message, mid string) {
	if m.cfg.Recorder == nil || opts.Thread == nil || opts.Thread.ThreadID == 0 {
		return
	}
	// Staff ids are not user ids, and staff are never threaded.
	if _, ok := recipient.Resolve(to).(recipient.Staff); ok {
		return
	}
	refs := strings.TrimSpace(msg.Header.Get("References") + " <" + mid + ">")
	err := m.cfg.Recorder.RecordEmail(ctx, store.ThreadEmail{
		ThreadID:   opts.Thread.ThreadID,
		EntryID:    opts.Thread.EntryID,
		UserID:     recipient.UserID(to),
		MessageID:  "<" + mid + ">",
		References: refs,
	})
	if err != nil {
		m.cfg.Logger.Warn("failed to record thread email", "message_id", mid, "thread_id", opts.Thread.ThreadID, "error", err)
	}
}

// Notify sends a system notice from an explicit address. It carries no
// thread context and suppresses bounces and auto-replies.
func Notify(ctx context.Context, cfg Config, to recipient.Recipient, subject, body, from string, opts email.Options) (string, error) {
	if from == "" {
		return "", errors.New("notify: from address is required")
	}
	m := New(cfg, nil, email.Options{Notice: true, NoBounce: true})
	m.SetFromAddress(from)
	opts.Thread = nil
	return m.Send(ctx, to, subject, email.Body{Content: body}, opts)
}
