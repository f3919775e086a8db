// Package sender drives a newsletter run: it loads the inputs, plans the
// batches and hands one assembled message per batch to a provider, sleeping
// between batches.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shineum/newsletter/internal/assemble"
	"github.com/shineum/newsletter/internal/batch"
	"github.com/shineum/newsletter/internal/compose"
	"github.com/shineum/newsletter/internal/config"
	"github.com/shineum/newsletter/internal/email"
	"github.com/shineum/newsletter/internal/progress"
	"github.com/shineum/newsletter/internal/provider"
	"github.com/shineum/newsletter/internal/provider/stdout"
	"github.com/shineum/newsletter/internal/recipient"
)

// Options wires a Runner to its collaborators.
type Options struct {
	// Config is the validated run configuration. It is not modified.
	Config *config.Config

	// Files reads every input source.
	Files recipient.FileReader

	// Provider delivers messages. It is never called in preview or dry-run.
	Provider provider.Provider

	// Out receives the progress line and the preview. Defaults to io.Discard.
	Out io.Writer

	// Sleep waits between batches. Defaults to time.Sleep.
	Sleep func(time.Duration)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// SendError reports a transport failure. Recipient is set for personalized
// runs only.
type SendError struct {
	Batch     int
	Offset    int
	Recipient string
	Provider  string
	Err       error
}

func (e *SendError) Error() string {
	if e.Recipient != "" {
		return fmt.Sprintf("send batch %d to %s via %s: %v", e.Batch, e.Recipient, e.Provider, e.Err)
	}
	return fmt.Sprintf("send batch %d (from recipient #%d) via %s: %v", e.Batch, e.Offset, e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Summary describes a finished run.
type Summary struct {
	Batches    int
	Recipients int
	Skipped    int
	DryRun     bool
	Preview    bool
}

// Runner executes one run. It is single-use and not safe for concurrent use.
type Runner struct {
	cfg      *config.Config
	files    recipient.FileReader
	provider provider.Provider
	out      io.Writer
	sleep    func(time.Duration)
	log      *slog.Logger
	headers  assemble.Headers
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("sender: config is required")
	}
	if opts.Files == nil {
		return nil, errors.New("sender: file reader is required")
	}
	if opts.Provider == nil && !opts.Config.Run.PrintMail && !opts.Config.Run.DryRun {
		return nil, errors.New("sender: provider is required")
	}

	r := &Runner{
		cfg:      opts.Config,
		files:    opts.Files,
		provider: opts.Provider,
		out:      opts.Out,
		sleep:    opts.Sleep,
		log:      opts.Logger,
		headers: assemble.Headers{
			From:    opts.Config.Mail.From,
			Subject: opts.Config.Mail.Subject,
			To:      opts.Config.Mail.To,
		},
	}
	if r.out == nil {
		r.out = io.Discard
	}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r, nil
}

type inputs struct {
	recipients []recipient.Recipient
	blacklist  *recipient.Blacklist
	body       string
	header     string
	footer     string
}

// Run loads every input, then previews or sends. Any load, render or
// transport error aborts the run.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	in, err := r.load(ctx)
	if err != nil {
		return nil, err
	}

	filtered, skipped := recipient.Filter(in.recipients, in.blacklist)
	if err := recipient.CheckAddresses(filtered, r.cfg.Files.Recipients); err != nil {
		return nil, err
	}
	r.log.Info("recipients loaded",
		"total", len(in.recipients),
		"skipped_blacklisted", skipped,
		"blacklist_entries", in.blacklist.Len(),
	)

	composer, err := compose.New(compose.Options{
		Header:   in.header,
		Footer:   in.footer,
		Body:     in.body,
		Template: r.cfg.RenderTemplate(),
		Name:     r.cfg.Files.Newsletter,
	})
	if err != nil {
		return nil, err
	}

	planner, err := batch.New(filtered, r.cfg.Batch.Count, r.cfg.Batch.Personalized)
	if err != nil {
		return nil, err
	}
	delay, err := r.cfg.SleepDuration()
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Recipients: planner.Total(),
		Skipped:    skipped,
		DryRun:     r.cfg.Run.DryRun,
		Preview:    r.cfg.Run.PrintMail,
	}

	if r.cfg.Run.PrintMail {
		return summary, r.preview(ctx, composer, planner)
	}

	r.log.Info("starting run",
		"batches", planner.Batches(),
		"batch_size", planner.Size(),
		"sleep", delay,
		"dry_run", r.cfg.Run.DryRun,
	)

	line := progress.New(r.out)
	for {
		b, ok := planner.Next()
		if !ok {
			break
		}

		msg, err := r.message(composer, b)
		if err != nil {
			return summary, abort(line, err)
		}

		if err := line.Remaining(b.Len() + planner.Remaining()); err != nil {
			return summary, fmt.Errorf("write progress: %w", err)
		}

		if !r.cfg.Run.DryRun {
			if err := r.provider.Send(ctx, msg); err != nil {
				return summary, abort(line, r.sendError(b, err))
			}
		}
		summary.Batches++
		r.log.Debug("batch done",
			"batch", b.Index,
			"recipients", b.Len(),
			"dry_run", r.cfg.Run.DryRun,
		)

		if planner.Remaining() > 0 {
			r.sleep(delay)
		}
	}

	if err := line.Finish("Done."); err != nil {
		return summary, fmt.Errorf("write progress: %w", err)
	}
	r.log.Info("run complete",
		"batches", summary.Batches,
		"recipients", summary.Recipients,
		"skipped_blacklisted", summary.Skipped,
		"dry_run", summary.DryRun,
	)
	return summary, nil
}

// abort ends the progress line and returns err, joined with any error from
// writing the line.
func abort(line *progress.Line, err error) error {
	if ferr := line.Finish("Aborted."); ferr != nil {
		return errors.Join(err, fmt.Errorf("write progress: %w", ferr))
	}
	return err
}

// preview prints the first envelope without sending or sleeping.
func (r *Runner) preview(ctx context.Context, composer *compose.Composer, planner *batch.Planner) error {
	b, ok := planner.Peek()
	if !ok {
		r.log.Warn("nothing to preview, no recipients left after filtering")
		return nil
	}
	msg, err := r.message(composer, b)
	if err != nil {
		return err
	}
	return stdout.NewWithWriter(r.out, false).Send(ctx, assemble.Preview(msg))
}

// message composes and assembles the envelope for b.
func (r *Runner) message(composer *compose.Composer, b batch.Batch) (*email.Message, error) {
	if r.cfg.Batch.Personalized {
		rcpt := b.Recipients[0]
		content, err := composer.Personal(b.Offset, rcpt)
		if err != nil {
			return nil, err
		}
		return assemble.Personal(r.headers, rcpt, content), nil
	}

	content, err := composer.Shared()
	if err != nil {
		return nil, err
	}
	return assemble.Bulk(r.headers, b, content), nil
}

func (r *Runner) sendError(b batch.Batch, err error) *SendError {
	se := &SendError{
		Batch:    b.Index,
		Offset:   b.Offset,
		Provider: r.provider.Name(),
		Err:      err,
	}
	if r.cfg.Batch.Personalized {
		se.Recipient = b.Recipients[0].Email()
	}
	return se
}

// load reads every source before anything is sent.
func (r *Runner) load(ctx context.Context) (*inputs, error) {
	files := r.cfg.Files
	in := &inputs{}

	var err error
	if in.body, err = r.readText(ctx, files.Newsletter); err != nil {
		return nil, err
	}
	if !files.NoHeader {
		if in.header, err = r.readText(ctx, files.Header); err != nil {
			return nil, err
		}
	}
	if !files.NoFooter {
		if in.footer, err = r.readText(ctx, files.Footer); err != nil {
			return nil, err
		}
	}

	format := r.cfg.RecipientFormat()
	if in.recipients, err = recipient.Load(ctx, r.files, files.Recipients, format); err != nil {
		return nil, err
	}
	if in.blacklist, err = recipient.LoadBlacklist(ctx, r.files, files.Blacklist, format); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *Runner) readText(ctx context.Context, path string) (string, error) {
	data, err := r.files.ReadFile(ctx, path)
	if err != nil {
		return "", &recipient.FileError{Path: path, Err: err}
	}
	return string(data), nil
}
