// Package progress writes a single status line that is redrawn in place.
package progress

import (
	"fmt"
	"io"
	"strings"
)

// Line redraws one status line on w using a carriage return. Text shorter
// than the previous status is padded with spaces so no stale characters
// remain.
type Line struct {
	w    io.Writer
	last int
}

// New creates a Line writing to w.
func New(w io.Writer) *Line {
	return &Line{w: w}
}

// Update replaces the current status with text.
func (l *Line) Update(text string) error {
	pad := ""
	if n := l.last - len(text); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	l.last = len(text)
	_, err := fmt.Fprintf(l.w, "\r%s%s", text, pad)
	return err
}

// Remaining shows how many mails are still to be sent.
func (l *Line) Remaining(n int) error {
	return l.Update(fmt.Sprintf("Mails to send: %d", n))
}

// Finish replaces the status with text and ends the line.
func (l *Line) Finish(text string) error {
	if err := l.Update(text); err != nil {
		return err
	}
	l.last = 0
	_, err := io.WriteString(l.w, "\n")
	return err
}
