// Package sendmail implements a Provider that pipes messages into a local
// sendmail-compatible binary.
package sendmail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/shineum/newsletter/internal/email"
)

// DefaultPath is used when no binary is configured.
const DefaultPath = "/usr/sbin/sendmail"

// SendmailProvider runs "<path> -oi -- <recipients...>" once per message and
// writes the RFC 5322 message to its stdin. Recipients are passed as
// arguments because the Bcc header is never written.
type SendmailProvider struct {
	path string
}

// New creates a new SendmailProvider for the binary at path.
func New(path string) *SendmailProvider {
	if path == "" {
		path = DefaultPath
	}
	return &SendmailProvider{path: path}
}

// Send delivers one message through the sendmail binary.
func (p *SendmailProvider) Send(ctx context.Context, msg *email.Message) error {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return errors.New("sendmail: message has no recipients")
	}

	m, err := msg.Msg()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	var body bytes.Buffer
	if _, err := m.WriteTo(&body); err != nil {
		return fmt.Errorf("render message: %w", err)
	}

	args := append([]string{"-oi", "--"}, rcpts...)
	cmd := exec.CommandContext(ctx, p.path, args...)
	cmd.Stdin = &body
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

// Name returns the provider name.
func (p *SendmailProvider) Name() string {
	return "sendmail"
}
