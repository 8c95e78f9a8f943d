// Package sendmail implements a Provider that pipes messages into the
// local sendmail binary. It is the last-resort local delivery facility.
package sendmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shineum/threadmail/internal/email"
)

// DefaultPath is the conventional location of the sendmail binary.
const DefaultPath = "/usr/sbin/sendmail"

// Provider runs a sendmail-compatible binary for each message.
type Provider struct {
	path   string
	sender string
}

// New creates a Provider. sender is the envelope sender passed with -f
// when the message does not carry its own; it may be empty.
func New(path, sender string) *Provider {
	if path == "" {
		path = DefaultPath
	}
	return &Provider{path: path, sender: sender}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "sendmail"
}

// Send writes the message to the binary's standard input using the
// message's own line ending.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("message %q is not finalized", msg.MessageID())
	}
	args, err := p.args(msg)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.Stdin = bytes.NewReader(msg.Bytes())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if out := strings.TrimSpace(stderr.String()); out != "" {
			return fmt.Errorf("%s failed: %w: %s", p.path, err, out)
		}
		return fmt.Errorf("%s failed: %w", p.path, err)
	}
	return nil
}

func (p *Provider) args(msg *email.Message) ([]string, error) {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return nil, errors.New("message has no recipients")
	}

	args := []string{"-i"}
	sender := msg.Sender
	if sender == "" {
		sender = p.sender
	}
	if sender != "" {
		if strings.HasPrefix(sender, "-") {
			return nil, fmt.Errorf("invalid envelope sender %q", sender)
		}
		args = append(args, "-f", sender)
	}
	for _, r := range rcpts {
		if strings.HasPrefix(r, "-") {
			return nil, fmt.Errorf("invalid recipient %q", r)
		}
	}
	return append(args, rcpts...), nil
}
