// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"

	"github.com/shineum/threadmail/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider hands a finalized message to one concrete delivery
// mechanism (an SMTP relay, AWS SES, Microsoft Graph, a local sendmail
// binary or standard output).
type Provider interface {
	// Send delivers a finalized message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// Temporary reports whether any error in err's chain carries a hint that a
// later attempt could succeed. Providers mark such errors with a
// Temporary() bool method.
func Temporary(err error) bool {
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}
