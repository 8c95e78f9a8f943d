// Package compose builds outbound messages: headers, threading, plain and
// HTML bodies, inline images and attachments.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/threadmail/internal/email"
	"github.com/shineum/threadmail/internal/recipient"
)

// DefaultXMailer is the X-Mailer header value.
const DefaultXMailer = "threadmail"

// defaultTextWidth is the wrap width of the generated plain-text body.
const defaultTextWidth = 90

// Formatter converts an HTML body to a plain-text alternative.
type Formatter interface {
	HTMLToText(html string, width int) string
}

// ThreadLog finds the most recent email logged on a thread. A zero userID
// means no user filter. A nil result means none was found.
type ThreadLog interface {
	LastEmail(ctx context.Context, threadID, userID uint32) (*email.PriorEmail, error)
}

// FileStore looks up stored files by content key. A nil result means the
// key is unknown.
type FileStore interface {
	Lookup(ctx context.Context, key string) (*email.File, error)
}

// Config holds the composer's collaborators and settings.
type Config struct {
	Formatter Formatter
	Threads   ThreadLog
	Files     FileStore
	Logger    *slog.Logger

	// RichText attaches an HTML body next to the plain-text one.
	RichText bool
	// StripQuotedReply enables the reply separator as the default reply tag.
	StripQuotedReply bool
	ReplySeparator   string
	XMailer          string
	TextWidth        int

	// Now is the clock used for the Date header.
	Now func() time.Time
}

// Composer assembles messages. A Composer holds no per-send state and may
// be shared.
type Composer struct {
	cfg Config
}

// Input is everything one send contributes to a message.
type Input struct {
	Recipient recipient.Recipient
	Subject   string
	Body      email.Body
	Options   email.Options

	// MessageID is the encoded correlation token, without angle brackets.
	MessageID string
	// From is the resolved From header.
	From *mail.Address
	// ReturnPath is the sender address used for Return-Path, if known.
	ReturnPath string
	// Pending is the mailer's queued attachment list. Compose does not
	// modify it.
	Pending []email.Attachable
}

// New creates a Composer.
func New(cfg Config) *Composer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.XMailer == "" {
		cfg.XMailer = DefaultXMailer
	}
	if cfg.TextWidth <= 0 {
		cfg.TextWidth = defaultTextWidth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Composer{cfg: cfg}
}

// Compose builds and finalizes a message.
func (c *Composer) Compose(ctx context.Context, in Input) (*email.Message, error) {
	opts := in.Options
	msg := &email.Message{
		From: in.From,
		EOL:  opts.EOL,
	}
	if msg.EOL == "" {
		msg.EOL = email.DefaultEOL
	}

	h := &msg.Header
	if in.From != nil {
		h.SetAddressList("From", []*mail.Address{in.From})
	}
	h.SetSubject(SanitizeSubject(in.Subject))
	h.SetDate(c.cfg.Now())
	h.SetMessageID(in.MessageID)
	h.Set("X-Mailer", c.cfg.XMailer)

	var midToken string
	replyTag := ""
	if opts.ReplyTag != nil {
		replyTag = *opts.ReplyTag
	}
	if opts.Thread != nil {
		if opts.InReplyTo == "" {
			c.thread(ctx, opts.Thread, in.Recipient, &opts)
		}
		midToken = in.MessageID
		if opts.ReplyTag == nil && c.cfg.StripQuotedReply {
			replyTag = c.cfg.ReplySeparator + "<br/><br/>"
		}
	}

	switch {
	case opts.NoBounce:
		h.Set("Return-Path", "<>")
	case in.ReturnPath != "":
		h.Set("Return-Path", "<"+clean(in.ReturnPath)+">")
	}

	// Each flag only fills headers an earlier flag left unset.
	if opts.Bulk {
		setOnce(h, "Precedence", "bulk")
	}
	if opts.AutoReply {
		setOnce(h, "Precedence", "auto_reply")
		setOnce(h, "X-Autoreply", "yes")
		setOnce(h, "X-Auto-Response-Suppress", "DR, RN, OOF, AutoReply")
		setOnce(h, "Auto-Submitted", "auto-replied")
	}
	if opts.Notice {
		setOnce(h, "X-Auto-Response-Suppress", "OOF, AutoReply")
		setOnce(h, "Auto-Submitted", "auto-generated")
	}
	if opts.InReplyTo != "" {
		setOnce(h, "In-Reply-To", clean(opts.InReplyTo))
	}
	if len(opts.References) > 0 {
		setOnce(h, "References", clean(strings.Join(opts.References, " ")))
	}

	for _, r := range recipient.Expand(in.Recipient) {
		kind, addr, ok := recipient.Classify(r)
		if !ok {
			c.cfg.Logger.Warn("skipping unaddressable recipient", "recipient", fmt.Sprintf("%v", r))
			continue
		}
		switch kind {
		case recipient.Cc:
			msg.Cc = append(msg.Cc, addr)
		case recipient.Bcc:
			msg.Bcc = append(msg.Bcc, addr)
		default:
			msg.To = append(msg.To, addr)
		}
	}
	if len(msg.To) > 0 {
		h.SetAddressList("To", msg.To)
	}
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", msg.Cc)
	}

	for _, a := range in.Body.Attachments {
		if att, ok := email.Resolve(a); ok {
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	body := in.Body.Content
	pending := in.Pending
	if opts.Text {
		msg.TextBody = body
	} else {
		if replyTag != "" || midToken != "" {
			body = fmt.Sprintf(`<div style="display:none" class="mid-%s">%s</div>%s`, midToken, replyTag, body)
		}
		text := strings.TrimRight(c.htmlToText(body), " \t\r\n")
		if in.MessageID != "" {
			text += "\nRef-Mid: " + in.MessageID + "\n"
		}
		msg.TextBody = text

		if c.cfg.RichText {
			var images []email.InlineImage
			domain := InlineDomain(in.From)
			body, images, pending = RewriteInlineImages(body, domain, pending, c.lookup(ctx))
			msg.Inline = images
			msg.HTMLBody = body
		}
	}

	for _, a := range pending {
		if att, ok := email.Resolve(a); ok {
			msg.Attachments = append(msg.Attachments, att)
		}
	}

	if err := Finalize(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// thread fills In-Reply-To and References from the last email logged on
// the thread. Staff recipients are not threaded.
func (c *Composer) thread(ctx context.Context, ref *email.ThreadRef, r recipient.Recipient, opts *email.Options) {
	if c.cfg.Threads == nil || ref.ThreadID == 0 {
		return
	}

	var userID uint32
	switch v := recipient.Resolve(r).(type) {
	case recipient.MailingList:
	case recipient.Owner:
		userID = v.UserID
	case recipient.Collaborator:
		userID = v.UserID
	default:
		return
	}

	prior, err := c.cfg.Threads.LastEmail(ctx, ref.ThreadID, userID)
	if err != nil {
		c.cfg.Logger.Warn("thread lookup failed", "thread_id", ref.ThreadID, "error", err)
		return
	}
	if prior == nil || prior.MessageID == "" {
		return
	}
	opts.InReplyTo = prior.MessageID
	opts.References = nil
	if prior.References != "" {
		opts.References = []string{prior.References}
	}
}

func (c *Composer) htmlToText(body string) string {
	if c.cfg.Formatter == nil {
		return body
	}
	return c.cfg.Formatter.HTMLToText(body, c.cfg.TextWidth)
}

func (c *Composer) lookup(ctx context.Context) func(string) *email.File {
	return func(key string) *email.File {
		if c.cfg.Files == nil {
			return nil
		}
		f, err := c.cfg.Files.Lookup(ctx, key)
		if err != nil {
			c.cfg.Logger.Warn("inline image lookup failed", "key", key, "error", err)
			return nil
		}
		return f
	}
}

// SanitizeSubject trims the subject and removes every line break.
func SanitizeSubject(s string) string {
	return clean(strings.TrimSpace(s))
}

func clean(s string) string {
	return strings.NewReplacer("\r\n", "", "\r", "", "\n", "").Replace(s)
}

func setOnce(h *mail.Header, key, value string) {
	if !h.Has(key) {
		h.Set(key, value)
	}
}
