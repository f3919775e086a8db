package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shineum/newsletter/internal/config"
	"github.com/shineum/newsletter/internal/provider"
	"github.com/shineum/newsletter/internal/provider/graph"
	"github.com/shineum/newsletter/internal/provider/sendmail"
	"github.com/shineum/newsletter/internal/provider/ses"
	"github.com/shineum/newsletter/internal/provider/smtp"
	"github.com/shineum/newsletter/internal/provider/stdout"
	"github.com/shineum/newsletter/internal/sender"
	"github.com/shineum/newsletter/internal/source"
)

// rootOptions holds the flag values. Flags write into overrides, whose
// non-zero fields are merged over the loaded configuration.
type rootOptions struct {
	configPath string
	overrides  config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	o := &opts.overrides

	cmd := &cobra.Command{
		Use:   "newsletter",
		Short: "Send a newsletter to a recipient list in throttled batches",
		Long: `newsletter sends one text newsletter to every address in a recipient
list, skipping blacklisted addresses. In bulk mode each batch is one mail
with the batch in Bcc; in personalized mode every recipient gets their own
rendered mail. Batches are separated by a fixed delay.

Example:
  newsletter --print-mail                       # show the first mail and exit
  newsletter --dry-run --sleep 0                # walk the whole run, send nothing
  newsletter --personalized --recipients members.csv
  newsletter sink                               # capture mails on 127.0.0.1:2525`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadDotEnv(); err != nil {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNewsletter(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to YAML configuration file (optional)")
	cmd.PersistentFlags().StringVar(&o.Logging.Level, "log-level", "", "log level: debug, info, warn or error (default info)")

	f := cmd.Flags()
	f.StringVarP(&o.Mail.Subject, "subject", "s", "", "Subject of the mail")
	f.StringVarP(&o.Mail.From, "from", "f", "", "From header of the mail")
	f.StringVarP(&o.Mail.To, "to", "t", "", "static To header of bulk mails")
	f.StringVar(&o.Files.Recipients, "recipients", "", "recipient list, a path or s3://bucket/key (default recipients.txt)")
	f.StringVar(&o.Files.Blacklist, "blacklist", "", "addresses that must not receive the newsletter, same format as --recipients (default blacklist.txt)")
	f.StringVar(&o.Files.Newsletter, "newsletter", "", "newsletter text or template (default newsletter.txt)")
	f.StringVar(&o.Files.Header, "header", "", "text prefixed to every mail (default header.txt)")
	f.StringVar(&o.Files.Footer, "footer", "", "text appended to every mail (default footer.txt)")
	f.BoolVar(&o.Files.NoHeader, "no-header", false, "do not prefix the mail with a header")
	f.BoolVar(&o.Files.NoFooter, "no-footer", false, "do not append a footer")
	f.StringVar(&o.Files.Format, "format", "", "recipient format: plain or csv (default plain, csv with --personalized)")
	f.BoolVar(&o.Run.PrintMail, "print-mail", false, "print the first mail as it would be sent and exit")
	f.IntVar(&o.Batch.Count, "count", 0, "recipients per bulk mail (default 100)")
	f.StringVar(&o.Batch.Sleep, "sleep", "", "delay between mails, seconds or a duration like 2m (default 120)")
	f.BoolVar(&o.Run.DryRun, "dry-run", false, "do everything except handing mails to the transport")
	f.BoolVar(&o.Batch.Personalized, "personalized", false, "one mail per recipient, addressed and rendered individually")
	f.BoolVar(&o.Batch.Template, "template", false, "render the newsletter as a template in bulk mode too")
	f.StringVar(&o.Transport.Kind, "transport", "", "smtp, sendmail, ses, graph or stdout (default smtp)")
	f.StringVar(&o.Transport.SMTP.Host, "smtp-host", "", "SMTP relay host (default localhost)")
	f.IntVar(&o.Transport.SMTP.Port, "smtp-port", 0, "SMTP relay port (default 25)")
	f.StringVar(&o.Transport.Sendmail.Path, "sendmail-path", "", "sendmail binary (default /usr/sbin/sendmail)")

	cmd.AddCommand(newSinkCmd(opts))
	return cmd
}

// buildConfig layers configuration: defaults, YAML, environment, then the
// flags the user actually set.
func buildConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	for _, name := range []string{"count", "smtp-port"} {
		if fl := cmd.Flags().Lookup(name); fl != nil && fl.Changed && fl.Value.String() == "0" {
			return nil, fmt.Errorf("--%s must not be 0", name)
		}
	}
	if err := cfg.Merge(&opts.overrides); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runNewsletter(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := buildConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger := setupLogger(cmd.ErrOrStderr(), cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var prov provider.Provider
	if !cfg.Run.PrintMail && !cfg.Run.DryRun {
		if prov, err = selectProvider(ctx, cfg); err != nil {
			return err
		}
	}

	runner, err := sender.New(sender.Options{
		Config:   cfg,
		Files:    source.New(source.S3Options{Region: cfg.Sources.S3Region, Endpoint: cfg.Sources.S3Endpoint}),
		Provider: prov,
		Out:      cmd.OutOrStdout(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	_, err = runner.Run(ctx)
	return err
}

// selectProvider builds the delivery backend named by transport.kind.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	t := cfg.Transport
	switch t.Kind {
	case config.TransportSMTP:
		slog.Info("using SMTP provider", "host", t.SMTP.Host, "port", t.SMTP.Port)
		return smtp.New(smtp.SMTPProviderConfig{
			Host:     t.SMTP.Host,
			Port:     t.SMTP.Port,
			Username: t.SMTP.Username,
			Password: t.SMTP.Password,
		}), nil

	case config.TransportSendmail:
		slog.Info("using sendmail provider", "path", t.Sendmail.Path)
		return sendmail.New(t.Sendmail.Path), nil

	case config.TransportSES:
		slog.Info("using AWS SES provider", "region", t.SES.Region)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          t.SES.Region,
			AccessKeyID:     t.SES.AccessKeyID,
			SecretAccessKey: t.SES.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.TransportGraph:
		slog.Info("using Microsoft Graph provider", "sender", t.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     t.Graph.TenantID,
			ClientID:     t.Graph.ClientID,
			ClientSecret: t.Graph.ClientSecret,
			Sender:       t.Graph.Sender,
		}), nil

	case config.TransportStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, errors.New("unknown transport " + t.Kind)
	}
}
