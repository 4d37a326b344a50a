// SPDX-License-Identifier: MPL-2.0

package ui

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

type (
	// Options controls how a single message is written.
	Options struct {
		// NewLine appends a line break after the text.
		NewLine bool
		// Prefix prepends the sink's prefix, e.g. "nixprov: ".
		Prefix bool
		Style  Style
	}

	// Sink receives operator-visible text.
	Sink interface {
		Info(text string, opts Options)
	}

	// Writer is a Sink that writes styled text to an io.Writer. Colors are
	// dropped when the writer is not a terminal.
	Writer struct {
		mu     sync.Mutex
		out    io.Writer
		prefix string
		styles map[Style]lipgloss.Style
	}

	// Discard is a Sink that drops everything.
	Discard struct{}
)

// NewWriter creates a Writer for out. prefix is emitted only for messages
// written with Options.Prefix.
func NewWriter(out io.Writer, prefix string, scheme ColorScheme) *Writer {
	r := lipgloss.NewRenderer(out)
	switch scheme {
	case SchemeDark:
		r.SetHasDarkBackground(true)
	case SchemeLight:
		r.SetHasDarkBackground(false)
	}
	return &Writer{
		out:    out,
		prefix: prefix,
		styles: newStyles(r),
	}
}

// Info writes text. Line breaks inside text are preserved as they are so
// output chunks from a remote process can be forwarded unchanged.
func (w *Writer) Info(text string, opts Options) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	if opts.Prefix && w.prefix != "" {
		b.WriteString(w.prefix)
	}
	b.WriteString(w.paint(text, opts.Style))
	if opts.NewLine {
		b.WriteString("\n")
	}
	_, _ = io.WriteString(w.out, b.String())
}

// paint styles each line separately; lipgloss would otherwise pad
// multi-line blocks to a common width.
func (w *Writer) paint(text string, s Style) string {
	if s == StylePlain || text == "" {
		return text
	}
	style, ok := w.styles[s]
	if !ok {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

func (Discard) Info(string, Options) {}

// Recorder is a Sink that keeps every message. Used in tests.
type Recorder struct {
	mu       sync.Mutex
	Messages []Message
}

// Message is one Info call captured by a Recorder.
type Message struct {
	Text    string
	Options Options
}

func (r *Recorder) Info(text string, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, Message{Text: text, Options: opts})
}

// Text returns the concatenation of all recorded messages.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, m := range r.Messages {
		b.WriteString(m.Text)
	}
	return b.String()
}
