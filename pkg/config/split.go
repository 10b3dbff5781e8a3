package config

import (
	"strings"
	"unicode"
)

// SplitQuotedFields is like strings.Fields but keeps the spaces inside
// areas surrounded by quote. A backslash inside a quoted area escapes the
// next character, so '\'' is a single quote. A quoted empty area is an
// empty field.
func SplitQuotedFields(in string, quote rune) []string {
	type stateEnum int
	const (
		inSpace stateEnum = iota
		inField
		inQuote
		inQuoteEscaped
	)
	state := inSpace
	r := []string{}
	var buf strings.Builder
	flush := func() {
		r = append(r, buf.String())
		buf.Reset()
	}

	for _, ch := range in {
		switch state {
		case inSpace:
			switch {
			case ch == quote:
				state = inQuote
			case !unicode.IsSpace(ch):
				buf.WriteRune(ch)
				state = inField
			}

		case inField:
			switch {
			case ch == quote:
				state = inQuote
			case unicode.IsSpace(ch):
				flush()
				state = inSpace
			default:
				buf.WriteRune(ch)
			}

		case inQuote:
			switch ch {
			case quote:
				state = inField
			case '\\':
				state = inQuoteEscaped
			default:
				buf.WriteRune(ch)
			}

		case inQuoteEscaped:
			buf.WriteRune(ch)
			state = inQuote
		}
	}

	if state != inSpace {
		flush()
	}
	return r
}
