// Package stdout implements a Provider that prints emails to standard
// output instead of delivering them. It is meant for development setups.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/threadmail/internal/email"
)

const separator = "========================================\n"

// Provider prints email messages in a human-readable format.
type Provider struct {
	writer io.Writer

	// Raw appends the full serialized message after the summary.
	Raw bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints a summary of the message.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString(separator)
	if msg.From != nil {
		fmt.Fprintf(&b, "From: %s\n", msg.From.String())
	}
	if msg.Sender != "" {
		fmt.Fprintf(&b, "Envelope-From: %s\n", msg.Sender)
	}
	fmt.Fprintf(&b, "To: %s\n", formatList(msg.To))
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", formatList(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", formatList(msg.Bcc))
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject())
	if id := msg.MessageID(); id != "" {
		fmt.Fprintf(&b, "Message-ID: <%s>\n", id)
	}
	b.WriteString("Body:\n")
	b.WriteString(strings.TrimRight(msg.TextBody, "\r\n") + "\n")

	if len(msg.Inline) > 0 {
		images := make([]string, 0, len(msg.Inline))
		for _, img := range msg.Inline {
			images = append(images, fmt.Sprintf("%s <%s> (%s)", img.Filename, img.ContentID, humanize.IBytes(uint64(len(img.Content)))))
		}
		fmt.Fprintf(&b, "Inline: %s\n", strings.Join(images, ", "))
	}
	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, humanize.IBytes(uint64(len(att.Content)))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}
	if p.Raw && len(msg.Raw) > 0 {
		b.WriteString("Raw:\n")
		b.Write(msg.Bytes())
		b.WriteString("\n")
	}

	b.WriteString(separator)

	if _, err := io.WriteString(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

func formatList(list []*mail.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.String())
	}
	return strings.Join(out, ", ")
}
