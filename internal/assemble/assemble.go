// Package assemble turns a batch or a single recipient plus composed content
// into an outbound email.Message.
package assemble

import (
	"fmt"

	"github.com/shineum/newsletter/internal/batch"
	"github.com/shineum/newsletter/internal/compose"
	"github.com/shineum/newsletter/internal/email"
	"github.com/shineum/newsletter/internal/recipient"
)

// Headers are the static headers shared by every message of a run.
type Headers struct {
	From    string
	Subject string
	// To is the static To address of bulk messages; empty omits the header.
	To string
}

// Bulk builds the message for one bulk batch: every batch address goes to
// Bcc and the static To header is used if set.
func Bulk(h Headers, b batch.Batch, content *compose.Content) *email.Message {
	msg := &email.Message{
		From:    h.From,
		Bcc:     b.Addresses(),
		Subject: h.Subject,
		Body:    content.Text,
	}
	if h.To != "" {
		msg.To = []string{h.To}
	}
	return msg
}

// Personal builds the message for a single recipient, addressed to them
// directly ("Name <addr>" when the record has a name) with no Bcc.
func Personal(h Headers, r recipient.Recipient, content *compose.Content) *email.Message {
	return &email.Message{
		From:    h.From,
		To:      []string{email.FormatAddress(r.Name(), r.Email())},
		Subject: h.Subject,
		Body:    content.Text,
	}
}

// Preview marks a bulk message for printing: the Bcc list is replaced by a
// count placeholder. Personalized messages are returned unchanged.
func Preview(msg *email.Message) *email.Message {
	if len(msg.Bcc) == 0 {
		return msg
	}
	preview := *msg
	preview.BccPlaceholder = Placeholder(len(msg.Bcc))
	return &preview
}

// Placeholder is the Bcc text shown instead of n real addresses.
func Placeholder(n int) string {
	if n == 1 {
		return "[1 recipient]"
	}
	return fmt.Sprintf("[%d recipients]", n)
}
