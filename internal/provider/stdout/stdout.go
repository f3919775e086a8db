// Package stdout implements a Provider that prints messages instead of
// delivering them. It backs --print-mail and the "stdout" transport.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/shineum/newsletter/internal/email"
)

// separator frames each printed message.
const separator = "========================================\n"

// Provider prints email messages in RFC 5322 form.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	framed bool
}

// New creates a new stdout Provider that writes to os.Stdout, framing every
// message with separator lines.
func New() *Provider {
	return &Provider{writer: os.Stdout, framed: true}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// framed controls the separator lines around each message.
func NewWithWriter(w io.Writer, framed bool) *Provider {
	return &Provider{writer: w, framed: framed}
}

// Send prints the message: headers, a blank line, then the body.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	if p.framed {
		if _, err := io.WriteString(p.writer, separator); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	if _, err := msg.WriteTo(p.writer); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if p.framed {
		if _, err := io.WriteString(p.writer, "\n"+separator); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
