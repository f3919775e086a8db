package recipient

import (
	"context"
	"strings"
)

// Blacklist is the set of opted-out addresses. Matching is exact on the
// address field, ignoring case and surrounding whitespace; other fields of a
// record never match.
type Blacklist struct {
	entries map[string]struct{}
}

// NewBlacklist builds a Blacklist from addresses.
func NewBlacklist(addrs ...string) *Blacklist {
	b := &Blacklist{entries: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		if k := normalize(a); k != "" {
			b.entries[k] = struct{}{}
		}
	}
	return b
}

// LoadBlacklist reads a blacklist source. It uses the same format as the
// recipient source; only the address field of each record is used. An empty
// path yields an empty blacklist.
func LoadBlacklist(ctx context.Context, fr FileReader, path, format string) (*Blacklist, error) {
	if path == "" {
		return NewBlacklist(), nil
	}
	recs, err := Load(ctx, fr, path, format)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(recs))
	for i, r := range recs {
		addrs[i] = r.Email()
	}
	return NewBlacklist(addrs...), nil
}

// Len returns the number of distinct entries.
func (b *Blacklist) Len() int { return len(b.entries) }

// Contains reports whether r is opted out.
func (b *Blacklist) Contains(r Recipient) bool {
	if b == nil {
		return false
	}
	_, ok := b.entries[normalize(r.Email())]
	return ok
}

// Filter returns recipients not on the blacklist, in their original order,
// and the number removed.
func Filter(recipients []Recipient, bl *Blacklist) ([]Recipient, int) {
	out := make([]Recipient, 0, len(recipients))
	for _, r := range recipients {
		if bl.Contains(r) {
			continue
		}
		out = append(out, r)
	}
	return out, len(recipients) - len(out)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
