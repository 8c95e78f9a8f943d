// Package email defines the outbound message model shared by the composer,
// the transport chain and the delivery providers.
package email

import (
	"bytes"

	"github.com/emersion/go-message/mail"
)

// DefaultEOL is the line ending used when a message does not override it.
const DefaultEOL = "\r\n"

// Message is a composed outbound email. It is owned by the composer until
// Raw is set, after which it is handed to a transport and must not change.
type Message struct {
	// Header holds every top-level header in insertion order. To and Cc are
	// written from the address lists at finalization; Bcc never is.
	Header mail.Header

	From *mail.Address
	To   []*mail.Address
	Cc   []*mail.Address
	Bcc  []*mail.Address

	// Sender is the envelope sender override used by transports that
	// support one. Empty means the transport decides.
	Sender string

	TextBody string
	HTMLBody string

	Inline      []InlineImage
	Attachments []Attachment

	// EOL is the line ending applied by Bytes.
	EOL string

	// Raw is the finalized RFC 5322 message with CRLF line endings.
	Raw []byte
}

// Attachment is a regular file attached to a message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// InlineImage is an attachment referenced from the HTML body by Content-ID.
type InlineImage struct {
	ContentID   string
	Filename    string
	ContentType string
	Content     []byte
}

// MessageID returns the Message-ID header without angle brackets.
func (m *Message) MessageID() string {
	id, err := m.Header.MessageID()
	if err != nil {
		return ""
	}
	return id
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	s, err := m.Header.Subject()
	if err != nil {
		return m.Header.Get("Subject")
	}
	return s
}

// Recipients returns the bare envelope addresses of every To, Cc and Bcc
// recipient, without duplicates.
func (m *Message) Recipients() []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range [][]*mail.Address{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			if a == nil || a.Address == "" || seen[a.Address] {
				continue
			}
			seen[a.Address] = true
			out = append(out, a.Address)
		}
	}
	return out
}

// Bytes returns Raw serialized with the message's line ending.
func (m *Message) Bytes() []byte {
	if m.EOL == "" || m.EOL == DefaultEOL {
		return m.Raw
	}
	return bytes.ReplaceAll(m.Raw, []byte(DefaultEOL), []byte(m.EOL))
}
