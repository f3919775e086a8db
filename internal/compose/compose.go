// Package compose builds message bodies from header, newsletter and footer.
package compose

import (
	"fmt"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/shineum/newsletter/internal/recipient"
)

// Options configures a Composer. Header and Footer are empty when suppressed.
type Options struct {
	Header string
	Footer string
	Body   string
	// Template parses Body as a text/template.
	Template bool
	// Name identifies the body source in errors.
	Name string
}

// Content is a composed message body. The shared bulk Content is a single
// value handed to every batch.
type Content struct {
	Text string
}

// Context is the data a body template is executed with.
type Context struct {
	// Index is the recipient's position in the filtered send list, or -1
	// for the shared bulk rendering.
	Index  int
	Email  string
	Title  string
	Name   string
	Fields []string
}

// Field returns field i of the recipient record.
func (c Context) Field(i int) (string, error) {
	if i < 0 || i >= len(c.Fields) {
		return "", fmt.Errorf("no field %d (record has %d)", i, len(c.Fields))
	}
	return c.Fields[i], nil
}

// RenderError reports a template failure for one recipient. Index is -1 for
// the shared bulk rendering.
type RenderError struct {
	Template  string
	Index     int
	Recipient string
	Err       error
}

func (e *RenderError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("render %s: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("render %s for recipient #%d (%s): %v", e.Template, e.Index, e.Recipient, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Composer renders final bodies as header + body + footer.
type Composer struct {
	opts   Options
	tmpl   *template.Template
	shared *Content

	// renders counts body executions.
	renders int
}

// New creates a Composer. A template body is parsed immediately so syntax
// errors surface before anything is sent.
func New(opts Options) (*Composer, error) {
	c := &Composer{opts: opts}
	if opts.Template {
		tmpl, err := template.New(opts.Name).
			Option("missingkey=error").
			Funcs(templateFuncs()).
			Parse(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", opts.Name, err)
		}
		c.tmpl = tmpl
	}
	return c, nil
}

// Shared returns the bulk body. It is rendered on the first call and the
// same *Content is returned on every later call.
func (c *Composer) Shared() (*Content, error) {
	if c.shared != nil {
		return c.shared, nil
	}
	body, err := c.render(Context{Index: -1})
	if err != nil {
		return nil, &RenderError{Template: c.opts.Name, Index: -1, Err: err}
	}
	c.shared = &Content{Text: c.wrap(body)}
	return c.shared, nil
}

// Personal renders the body for the recipient at position index.
func (c *Composer) Personal(index int, r recipient.Recipient) (*Content, error) {
	ctx := Context{
		Index:  index,
		Email:  r.Email(),
		Title:  r.Title(),
		Name:   r.Name(),
		Fields: r.Fields(),
	}
	body, err := c.render(ctx)
	if err != nil {
		return nil, &RenderError{Template: c.opts.Name, Index: index, Recipient: r.Email(), Err: err}
	}
	return &Content{Text: c.wrap(body)}, nil
}

// Renders returns how many times the body has been produced.
func (c *Composer) Renders() int { return c.renders }

func (c *Composer) render(ctx Context) (string, error) {
	c.renders++
	if c.tmpl == nil {
		return c.opts.Body, nil
	}
	var b strings.Builder
	if err := c.tmpl.Execute(&b, ctx); err != nil {
		return "", err
	}
	return b.String(), nil
}

func (c *Composer) wrap(body string) string {
	return c.opts.Header + body + c.opts.Footer
}

func templateFuncs() template.FuncMap {
	titleCaser := cases.Title(language.Und)
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": titleCaser.String,
		"trim":  strings.TrimSpace,
	}
}
