package vnc

import "strings"

// keysyms maps token names to X11 keysym values, the subset needed to drive
// a SUT's console: letters, digits, and the common control keys. Unknown
// tokens are silently dropped by ResolveKeys, matching the tokenized-send
// behavior scripts rely on.
var keysyms = map[string]uint32{
	"BackSpace": 0xff08,
	"Tab":       0xff09,
	"Return":    0xff0d,
	"Enter":     0xff0d,
	"Escape":    0xff1b,
	"Esc":       0xff1b,
	"Delete":    0xffff,
	"Home":      0xff50,
	"End":       0xff57,
	"PageUp":    0xff55,
	"PageDown":  0xff56,
	"Left":      0xff51,
	"Up":        0xff52,
	"Right":     0xff53,
	"Down":      0xff54,
	"Insert":    0xff63,
	"Space":     0x0020,
	"Shift":     0xffe1,
	"Control":   0xffe3,
	"Ctrl":      0xffe3,
	"Alt":       0xffe9,
	"Super":     0xffeb,

	"F1": 0xffbe, "F2": 0xffbf, "F3": 0xffc0, "F4": 0xffc1,
	"F5": 0xffc2, "F6": 0xffc3, "F7": 0xffc4, "F8": 0xffc5,
	"F9": 0xffc6, "F10": 0xffc7, "F11": 0xffc8, "F12": 0xffc9,
}

// ResolveKeys tokenizes s on "-" and maps each token through keysyms (or,
// for a single printable rune, directly to its Unicode code point, which
// coincides with the Latin-1/keysym space for ASCII). A literal "-" token
// (from adjacent separators, e.g. "a--b") passes through as the "-"
// keysym itself. Unknown tokens are dropped.
func ResolveKeys(s string) []uint32 {
	tokens := strings.Split(s, "-")
	out := make([]uint32, 0, len(tokens))
	for i, tok := range tokens {
		if tok == "" {
			// an empty token between two separators represents a literal "-"
			if i > 0 {
				out = append(out, uint32('-'))
			}
			continue
		}
		if sym, ok := keysyms[tok]; ok {
			out = append(out, sym)
			continue
		}
		runes := []rune(tok)
		if len(runes) == 1 {
			out = append(out, uint32(runes[0]))
			continue
		}
		// multi-character token with no known name: drop it
	}
	return out
}

// TypeStringKeys maps each rune of s directly to its keysym (ASCII/Latin-1
// code point), used by TypeString to send literal text without tokenizing
// on "-".
func TypeStringKeys(s string) []uint32 {
	runes := []rune(s)
	out := make([]uint32, 0, len(runes))
	for _, r := range runes {
		out = append(out, uint32(r))
	}
	return out
}
