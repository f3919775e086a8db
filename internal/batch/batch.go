// Package batch partitions the filtered recipient list into send batches.
package batch

import (
	"fmt"

	"github.com/shineum/newsletter/internal/recipient"
)

// Batch is a contiguous run of recipients sent together.
type Batch struct {
	// Index is the zero-based batch number.
	Index int
	// Offset is the position of the first recipient in the filtered list.
	Offset     int
	Recipients []recipient.Recipient
}

// Len returns the number of recipients in the batch.
func (b Batch) Len() int { return len(b.Recipients) }

// Addresses returns the batch's email addresses in order.
func (b Batch) Addresses() []string {
	out := make([]string, len(b.Recipients))
	for i, r := range b.Recipients {
		out[i] = r.Email()
	}
	return out
}

// Planner yields batches one at a time. Batches are sub-slices of the
// recipient list; nothing beyond the current batch is materialized.
type Planner struct {
	recipients []recipient.Recipient
	size       int
	offset     int
	index      int
}

// New creates a Planner. In personalized mode the batch size is 1
// regardless of size.
func New(recipients []recipient.Recipient, size int, personalized bool) (*Planner, error) {
	if personalized {
		size = 1
	}
	if size < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", size)
	}
	return &Planner{recipients: recipients, size: size}, nil
}

// Next returns the next batch, or false when all recipients are covered.
func (p *Planner) Next() (Batch, bool) {
	if p.offset >= len(p.recipients) {
		return Batch{}, false
	}
	end := p.offset + min(p.size, len(p.recipients)-p.offset)
	b := Batch{
		Index:      p.index,
		Offset:     p.offset,
		Recipients: p.recipients[p.offset:end:end],
	}
	p.offset = end
	p.index++
	return b, true
}

// Peek returns the next batch without advancing.
func (p *Planner) Peek() (Batch, bool) {
	saved := *p
	b, ok := p.Next()
	*p = saved
	return b, ok
}

// Remaining returns the number of recipients not yet handed out.
func (p *Planner) Remaining() int { return len(p.recipients) - p.offset }

// Total returns the number of recipients covered by the plan.
func (p *Planner) Total() int { return len(p.recipients) }

// Size returns the effective batch size.
func (p *Planner) Size() int { return p.size }

// Batches returns how many batches the plan consists of.
func (p *Planner) Batches() int {
	if len(p.recipients) == 0 {
		return 0
	}
	return (len(p.recipients)-1)/p.size + 1
}
