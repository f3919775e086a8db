// Package recipient loads recipient and blacklist sources and filters
// opted-out recipients.
package recipient

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/shineum/newsletter/internal/config"
)

// Column layout of structured (CSV) recipient rows.
const (
	ColEmail = iota
	ColTitle
	ColName
)

// Recipient is one loaded record. Fields[ColEmail] is always set; further
// fields are only present for structured sources.
type Recipient struct {
	fields []string
	line   int
}

// New builds a Recipient from its fields. The slice is copied.
func New(fields ...string) Recipient {
	return Recipient{fields: append([]string(nil), fields...)}
}

// Email returns the address the recipient is identified by.
func (r Recipient) Email() string { return r.field(ColEmail) }

// Title returns the salutation title, or "".
func (r Recipient) Title() string { return r.field(ColTitle) }

// Name returns the display name, or "".
func (r Recipient) Name() string { return r.field(ColName) }

// Fields returns a copy of all fields in source order.
func (r Recipient) Fields() []string {
	return append([]string(nil), r.fields...)
}

// Line returns the source line the record was read from, or 0 for records
// not loaded from a source.
func (r Recipient) Line() int { return r.line }

// Len returns the number of fields.
func (r Recipient) Len() int { return len(r.fields) }

// Field returns field i, or an error if the record has no such field.
func (r Recipient) Field(i int) (string, error) {
	if i < 0 || i >= len(r.fields) {
		return "", fmt.Errorf("recipient %s has no field %d (%d fields)", r.Email(), i, len(r.fields))
	}
	return r.fields[i], nil
}

func (r Recipient) field(i int) string {
	if i < len(r.fields) {
		return r.fields[i]
	}
	return ""
}

// FileReader reads a whole source document.
type FileReader interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
}

// FileError reports an unreadable or missing source.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("cannot read %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// RowError reports a malformed structured row.
type RowError struct {
	Path string
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ErrMissingEmail is returned for structured rows without an address.
var ErrMissingEmail = errors.New("row has no email address")

// ErrInvalidAddress is returned for addresses that do not parse as a bare
// RFC 5322 address.
var ErrInvalidAddress = errors.New("invalid email address")

// Load reads path and parses it in the given format, preserving source order.
func Load(ctx context.Context, fr FileReader, path, format string) ([]Recipient, error) {
	data, err := fr.ReadFile(ctx, path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	return Parse(data, path, format)
}

// Parse parses data in the given format. path is only used in errors.
func Parse(data []byte, path, format string) ([]Recipient, error) {
	switch format {
	case config.FormatPlain, "":
		return parsePlain(data), nil
	case config.FormatCSV:
		return parseCSV(data, path)
	default:
		return nil, fmt.Errorf("unknown recipient format %q", format)
	}
}

// parsePlain splits on any whitespace. Lines starting with '#' are comments.
// Lines have no length limit; a whole list may sit on one line.
func parsePlain(data []byte) []Recipient {
	var out []Recipient
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}
		for _, addr := range strings.Fields(line) {
			out = append(out, Recipient{fields: []string{addr}, line: i + 1})
		}
	}
	return out
}

func parseCSV(data []byte, path string) ([]Recipient, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.Comment = '#'
	r.TrimLeadingSpace = true

	var out []Recipient
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &RowError{Path: path, Line: pe.Line, Err: pe.Err}
			}
			return nil, &RowError{Path: path, Err: err}
		}

		fields := make([]string, len(rec))
		for i, f := range rec {
			fields[i] = strings.TrimSpace(f)
		}
		line, _ := r.FieldPos(0)
		if fields[ColEmail] == "" {
			return nil, &RowError{Path: path, Line: line, Err: ErrMissingEmail}
		}
		out = append(out, Recipient{fields: fields, line: line})
	}
	return out, nil
}

// CheckAddresses reports the first recipient whose address is not a bare
// RFC 5322 address, with the source line it came from.
func CheckAddresses(recipients []Recipient, path string) error {
	for _, r := range recipients {
		addr, err := mail.ParseAddress(r.Email())
		if err == nil && addr.Address != r.Email() {
			err = errors.New("display name or comment not allowed")
		}
		if err != nil {
			return &RowError{
				Path: path,
				Line: r.line,
				Err:  fmt.Errorf("%w %q: %v", ErrInvalidAddress, r.Email(), err),
			}
		}
	}
	return nil
}
