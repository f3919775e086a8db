// Package email defines the outbound message envelope shared by the
// assembler, the send loop and every delivery provider.
package email

import (
	"fmt"
	"io"
	"net/mail"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

const (
	// Charset is the only body charset the newsletter emits.
	Charset = "utf-8"

	// TransferEncoding keeps the body as raw 8-bit text.
	TransferEncoding = "8bit"

	// MIMEVersion is written on every message.
	MIMEVersion = "1.0"
)

// Message is one outbound mail: a bulk batch addressed via Bcc or a single
// personalized recipient. It is built fresh per batch and never persisted.
type Message struct {
	From    string
	To      []string
	Bcc     []string
	Subject string
	Body    string

	// BccPlaceholder replaces the Bcc header value when the message is only
	// printed, so a preview does not dump the whole first batch.
	BccPlaceholder string
}

// Recipients returns the envelope recipient addresses (To followed by Bcc)
// stripped of display names.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Bcc))
	for _, list := range [][]string{m.To, m.Bcc} {
		for _, raw := range list {
			out = append(out, bareAddress(raw))
		}
	}
	return out
}

// HeaderField is one rendered header line.
type HeaderField struct {
	Name  string
	Value string
}

// Header returns the message headers in the order they are written.
func (m *Message) Header() []HeaderField {
	h := []HeaderField{{Name: "From", Value: m.From}}
	if len(m.To) > 0 {
		h = append(h, HeaderField{Name: "To", Value: strings.Join(m.To, ", ")})
	}
	switch {
	case m.BccPlaceholder != "":
		h = append(h, HeaderField{Name: "Bcc", Value: m.BccPlaceholder})
	case len(m.Bcc) > 0:
		h = append(h, HeaderField{Name: "Bcc", Value: strings.Join(m.Bcc, ", ")})
	}
	h = append(h,
		HeaderField{Name: "Subject", Value: m.Subject},
		HeaderField{Name: "MIME-Version", Value: MIMEVersion},
		HeaderField{Name: "Content-Type", Value: "text/plain; charset=\"" + Charset + "\""},
		HeaderField{Name: "Content-Transfer-Encoding", Value: TransferEncoding},
	)
	return h
}

// WriteTo renders the message as RFC 5322 text, headers first, then a blank
// line and the body.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	for _, f := range m.Header() {
		fmt.Fprintf(&b, "%s: %s\n", f.Name, f.Value)
	}
	b.WriteString("\n")
	b.WriteString(m.Body)
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Msg converts the envelope into a go-mail message with an 8bit UTF-8
// text/plain body. Bcc addresses are carried as envelope recipients only.
func (m *Message) Msg() (*gomail.Msg, error) {
	msg := gomail.NewMsg(
		gomail.WithCharset(gomail.CharsetUTF8),
		gomail.WithEncoding(gomail.NoEncoding),
	)
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("set from %q: %w", m.From, err)
	}
	if len(m.To) > 0 {
		if err := msg.To(m.To...); err != nil {
			return nil, fmt.Errorf("set to: %w", err)
		}
	}
	if len(m.Bcc) > 0 {
		if err := msg.Bcc(m.Bcc...); err != nil {
			return nil, fmt.Errorf("set bcc: %w", err)
		}
	}
	msg.Subject(m.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, m.Body)
	return msg, nil
}

// FormatAddress returns "Name <addr>" when name is set, addr otherwise.
func FormatAddress(name, addr string) string {
	if strings.TrimSpace(name) == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}

// bareAddress extracts the address part of a possibly named address. Values
// that do not parse are returned unchanged.
func bareAddress(raw string) string {
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return a.Address
}
