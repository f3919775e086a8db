// Package provider defines the interface for mail delivery backends.
package provider

import (
	"context"

	"github.com/shineum/newsletter/internal/email"
)

// Provider is the interface that delivery backends must implement.
// A provider hands one assembled message to its transport (SMTP relay,
// sendmail subprocess, SES, Graph or stdout). Every Send is independent:
// a failed call leaves nothing behind that a later call depends on.
type Provider interface {
	// Send delivers an email message through this provider.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}
