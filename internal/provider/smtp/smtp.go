// Package smtp implements a Provider that relays messages to an SMTP server.
package smtp

import (
	"context"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"

	"github.com/shineum/newsletter/internal/email"
)

// SMTPProviderConfig holds the relay settings.
type SMTPProviderConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SMTPProvider dials the relay for every message. STARTTLS is used when the
// server offers it; AUTH PLAIN only when a username is configured.
type SMTPProvider struct {
	cfg SMTPProviderConfig
}

// New creates a new SMTPProvider.
func New(cfg SMTPProviderConfig) *SMTPProvider {
	if cfg.Port == 0 {
		cfg.Port = 25
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPProvider{cfg: cfg}
}

// Send relays one message. Bcc addresses become envelope recipients only.
func (p *SMTPProvider) Send(ctx context.Context, msg *email.Message) error {
	m, err := msg.Msg()
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	c, err := gomail.NewClient(p.cfg.Host, p.options()...)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("SMTP delivery to %s:%d failed: %w", p.cfg.Host, p.cfg.Port, err)
	}
	return nil
}

// Name returns the provider name.
func (p *SMTPProvider) Name() string {
	return "smtp"
}

func (p *SMTPProvider) options() []gomail.Option {
	// WithTLSPolicy leaves the configured port alone.
	opts := []gomail.Option{
		gomail.WithPort(p.cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(p.cfg.Timeout),
	}
	if p.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(p.cfg.Username),
			gomail.WithPassword(p.cfg.Password),
		)
	}
	return opts
}
