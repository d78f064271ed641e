package tty

import "github.com/charmbracelet/x/ansi"

// Decoder turns raw console bytes into a string suitable for pattern
// matching: ANSI/VT escape sequences and cursor motion are stripped so a
// prompt re-drawn mid-line doesn't break substring matching.
type Decoder interface {
	ParseAndStrip(b []byte) string
}

// ANSIDecoder is the default Decoder, backed by charmbracelet/x/ansi's
// escape-sequence stripper.
type ANSIDecoder struct{}

// ParseAndStrip removes ANSI/VT escape sequences from b and returns the
// remaining plain text.
func (ANSIDecoder) ParseAndStrip(b []byte) string {
	return ansi.Strip(string(b))
}
