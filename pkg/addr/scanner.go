// Package addr implements RFC 822 style address scanning, splitting and
// hostname matching for the resolver.
package addr

// Scanner steps through an address string one character at a time, tracking
// the quoting, comment and source-route state defined by RFC 822 addressing.
// Every higher level parsing routine in this package is built on it, so they
// all agree on which characters are syntax and which are text.
type Scanner struct {
	input string
	pos   int

	// CommentDepth is the current parenthesized comment nesting level.
	CommentDepth int
	// InQuotes reports whether the cursor is inside a quoted string.
	InQuotes bool
	// InRoute reports whether the cursor is inside an angle bracket region.
	// Route regions do not nest.
	InRoute bool
	// Escaped reports whether the last character was backslash escaped.
	Escaped bool
	// Syntax reports whether the last character was a delimiter (quote,
	// paren, angle bracket, or an escaping backslash) rather than text.
	Syntax bool

	escapeNext bool
}

// NewScanner returns a Scanner positioned at the start of s.
func NewScanner(s string) *Scanner {
	return &Scanner{input: s}
}

// Next returns the next character and true, or zero and false at end of
// input.  End of input may be requested repeatedly.  After Next returns, the
// exported state fields describe the character just returned.
func (s *Scanner) Next() (byte, bool) {
	s.Escaped = false
	s.Syntax = false
	if s.pos >= len(s.input) {
		return 0, false
	}
	c := s.input[s.pos]
	s.pos++
	if s.escapeNext {
		s.escapeNext = false
		s.Escaped = true
		return c, true
	}
	if s.InQuotes {
		// Only backslash and the closing quote are special here.
		switch c {
		case '\\':
			s.escapeNext = true
			s.Syntax = true
		case '"':
			s.InQuotes = false
			s.Syntax = true
		}
		return c, true
	}
	if s.CommentDepth > 0 {
		// Inside a comment only parens and backslash act; quotes, angle
		// brackets and the rest are inert.
		switch c {
		case '\\':
			s.escapeNext = true
			s.Syntax = true
		case '(':
			s.CommentDepth++
			s.Syntax = true
		case ')':
			s.CommentDepth--
			s.Syntax = true
		}
		return c, true
	}
	switch c {
	case '(':
		s.CommentDepth++
		s.Syntax = true
	case '"':
		s.InQuotes = true
		s.Syntax = true
	case '<':
		if !s.InRoute {
			s.InRoute = true
			s.Syntax = true
		}
	case '>':
		if s.InRoute {
			s.InRoute = false
			s.Syntax = true
		}
	}
	return c, true
}

// Top reports whether the cursor is at top level: outside quoted strings,
// comments and route brackets.
func (s *Scanner) Top() bool {
	return !s.InQuotes && s.CommentDepth == 0 && !s.InRoute
}

// Open reports whether a quoted string, comment, route region or trailing
// escape was left unterminated.
func (s *Scanner) Open() bool {
	return s.InQuotes || s.CommentDepth > 0 || s.InRoute || s.escapeNext
}
