// Package config provides layered configuration for a newsletter run:
// defaults, an optional YAML file, environment variables and finally
// explicitly set command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Recipient source formats.
const (
	FormatPlain = "plain"
	FormatCSV   = "csv"
)

// Transport kinds.
const (
	TransportSMTP     = "smtp"
	TransportSendmail = "sendmail"
	TransportSES      = "ses"
	TransportGraph    = "graph"
	TransportStdout   = "stdout"
)

// SESMaxDestinations is the SES limit on To, Cc and Bcc addresses of one
// message.
const SESMaxDestinations = 50

// Config holds the complete configuration of one run. It is built once at
// startup and not modified after the run begins.
type Config struct {
	Mail      MailConfig      `yaml:"mail"`
	Files     FilesConfig     `yaml:"files"`
	Batch     BatchConfig     `yaml:"batch"`
	Run       RunConfig       `yaml:"run"`
	Transport TransportConfig `yaml:"transport"`
	Sources   SourcesConfig   `yaml:"sources"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// MailConfig holds the static message headers.
type MailConfig struct {
	Subject string `yaml:"subject"`
	From    string `yaml:"from"`
	// To is the static To header of bulk mails. Empty means no To header.
	To string `yaml:"to"`
}

// FilesConfig names the input sources. Paths may be local files or
// s3://bucket/key objects.
type FilesConfig struct {
	Recipients string `yaml:"recipients"`
	Blacklist  string `yaml:"blacklist"`
	Newsletter string `yaml:"newsletter"`
	Header     string `yaml:"header"`
	Footer     string `yaml:"footer"`
	NoHeader   bool   `yaml:"no_header"`
	NoFooter   bool   `yaml:"no_footer"`
	// Format is "plain" or "csv". Empty selects csv for personalized runs
	// and plain otherwise.
	Format string `yaml:"format"`
}

// BatchConfig controls batching and personalization.
type BatchConfig struct {
	Count int `yaml:"count"`
	// Sleep is a Go duration ("2m", "0s") or a number of seconds ("120").
	Sleep        string `yaml:"sleep"`
	Personalized bool   `yaml:"personalized"`
	// Template renders the body as a template even in bulk mode.
	Template bool `yaml:"template"`
}

// RunConfig holds the per-invocation switches.
type RunConfig struct {
	PrintMail bool `yaml:"print_mail"`
	DryRun    bool `yaml:"dry_run"`
}

// TransportConfig selects and configures the delivery backend.
type TransportConfig struct {
	Kind     string         `yaml:"kind"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Sendmail SendmailConfig `yaml:"sendmail"`
	SES      SESConfig      `yaml:"ses"`
	Graph    GraphConfig    `yaml:"graph"`
}

// SMTPConfig holds the relay connection settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SendmailConfig holds the sendmail-compatible binary to hand messages to.
type SendmailConfig struct {
	Path string `yaml:"path"`
}

// SESConfig holds AWS SES v2 settings.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SourcesConfig configures access to s3:// sources.
type SourcesConfig struct {
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvVars()

	return cfg, nil
}

// Merge applies every non-zero field of overrides on top of c. Boolean
// switches can therefore only be turned on, never off, by an override.
func (c *Config) Merge(overrides *Config) error {
	if overrides == nil {
		return nil
	}
	if err := mergo.Merge(c, overrides, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge overrides: %w", err)
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Mail.From) == "" {
		return errors.New("mail.from is required")
	}
	if _, err := mail.ParseAddress(c.Mail.From); err != nil {
		return fmt.Errorf("invalid mail.from %q: %w", c.Mail.From, err)
	}
	if c.Mail.To != "" {
		if _, err := mail.ParseAddress(c.Mail.To); err != nil {
			return fmt.Errorf("invalid mail.to %q: %w", c.Mail.To, err)
		}
	}
	if c.Batch.Count < 1 {
		return fmt.Errorf("batch.count must be at least 1, got %d", c.Batch.Count)
	}
	if _, err := c.SleepDuration(); err != nil {
		return err
	}
	switch c.Files.Format {
	case "", FormatPlain, FormatCSV:
	default:
		return fmt.Errorf("unknown recipient format %q", c.Files.Format)
	}
	if c.Files.Recipients == "" {
		return errors.New("files.recipients is required")
	}
	if c.Files.Newsletter == "" {
		return errors.New("files.newsletter is required")
	}

	switch c.Transport.Kind {
	case TransportSMTP:
		if c.Transport.SMTP.Host == "" {
			return errors.New("smtp transport requires a host")
		}
		if c.Transport.SMTP.Port < 1 || c.Transport.SMTP.Port > 65535 {
			return fmt.Errorf("invalid smtp port %d", c.Transport.SMTP.Port)
		}
	case TransportSendmail:
		if c.Transport.Sendmail.Path == "" {
			return errors.New("sendmail transport requires a path")
		}
	case TransportSES:
		if !c.SESConfigured() {
			return errors.New("ses transport requires SES_REGION")
		}
		if n := c.destinations(); n > SESMaxDestinations {
			return fmt.Errorf("ses transport accepts at most %d destinations per message, batch.count %d gives %d", SESMaxDestinations, c.Batch.Count, n)
		}
	case TransportGraph:
		if !c.GraphConfigured() {
			return errors.New("graph transport requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER")
		}
	case TransportStdout:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	return nil
}

// SleepDuration parses Batch.Sleep. A bare integer is read as seconds.
func (c *Config) SleepDuration() (time.Duration, error) {
	raw := strings.TrimSpace(c.Batch.Sleep)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("batch.sleep must not be negative, got %q", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid batch.sleep %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("batch.sleep must not be negative, got %q", raw)
	}
	return d, nil
}

// BatchSize returns the effective batch size: 1 in personalized mode,
// Batch.Count otherwise.
func (c *Config) BatchSize() int {
	if c.Batch.Personalized {
		return 1
	}
	return c.Batch.Count
}

// destinations returns the most addresses a single message carries.
func (c *Config) destinations() int {
	n := c.BatchSize()
	if !c.Batch.Personalized && c.Mail.To != "" {
		n++
	}
	return n
}

// RecipientFormat returns the effective recipient source format.
func (c *Config) RecipientFormat() string {
	if c.Files.Format != "" {
		return c.Files.Format
	}
	if c.Batch.Personalized {
		return FormatCSV
	}
	return FormatPlain
}

// RenderTemplate reports whether the newsletter body is a template.
func (c *Config) RenderTemplate() bool {
	return c.Batch.Personalized || c.Batch.Template
}

// SESConfigured returns true if the SES region is set.
func (c *Config) SESConfigured() bool {
	return c.Transport.SES.Region != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Transport.Graph.TenantID != "" &&
		c.Transport.Graph.ClientID != "" &&
		c.Transport.Graph.ClientSecret != "" &&
		c.Transport.Graph.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Mail.Subject = "Newsletter"
	c.Mail.From = "Newsletter <newsletter@localhost>"
	c.Files.Recipients = "recipients.txt"
	c.Files.Blacklist = "blacklist.txt"
	c.Files.Newsletter = "newsletter.txt"
	c.Files.Header = "header.txt"
	c.Files.Footer = "footer.txt"
	c.Batch.Count = 100
	c.Batch.Sleep = "120"
	c.Transport.Kind = TransportSMTP
	c.Transport.SMTP.Host = "localhost"
	c.Transport.SMTP.Port = 25
	c.Transport.Sendmail.Path = "/usr/sbin/sendmail"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("NEWSLETTER_SUBJECT"); v != "" {
		c.Mail.Subject = v
	}
	if v := os.Getenv("NEWSLETTER_FROM"); v != "" {
		c.Mail.From = v
	}
	if v := os.Getenv("NEWSLETTER_TO"); v != "" {
		c.Mail.To = v
	}
	if v := os.Getenv("NEWSLETTER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batch.Count = n
		}
	}
	if v := os.Getenv("NEWSLETTER_SLEEP"); v != "" {
		c.Batch.Sleep = v
	}

	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport.Kind = strings.ToLower(v)
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		c.Transport.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Transport.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.Transport.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.Transport.SMTP.Password = v
	}
	if v := os.Getenv("SENDMAIL_PATH"); v != "" {
		c.Transport.Sendmail.Path = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.Transport.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Transport.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Transport.SES.SecretAccessKey = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Transport.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Transport.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Transport.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Transport.Graph.Sender = v
	}

	if v := os.Getenv("S3_REGION"); v != "" {
		c.Sources.S3Region = v
	}
	if v := os.Getenv("S3_ENDPOINT"); v != "" {
		c.Sources.S3Endpoint = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
