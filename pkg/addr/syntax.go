package addr

import (
	"errors"
	"strings"
)

var (
	// ErrUnbalanced indicates an unterminated comment, quote or route region.
	ErrUnbalanced = errors.New("unbalanced address delimiters")

	// ErrMultipleAddrs indicates a field holding more than one address.
	ErrMultipleAddrs = errors.New("multiple addresses in field")

	// ErrBadSyntax indicates a malformed internet address.
	ErrBadSyntax = errors.New("malformed internet address")
)

// Clean collapses runs of spaces to a single space, trims leading and
// trailing spaces, and drops ASCII control characters.  Cleaning an already
// clean string returns it unchanged.
func Clean(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < ' ' || c == 0x7f {
			continue
		}
		if c == ' ' {
			if lastSpace {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}
		b.WriteByte(c)
	}
	return strings.Trim(b.String(), " ")
}

// StripComments removes all top-level parenthesized comments from s,
// returning the remaining address with surrounding whitespace trimmed and
// the comment text, single-space joined when more than one comment appears.
// Unbalanced parens or an unterminated quote yield ErrUnbalanced.
func StripComments(s string) (address, comment string, err error) {
	sc := NewScanner(s)
	var out, cur strings.Builder
	var comments []string
	inComment := false
	for {
		c, ok := sc.Next()
		if !ok {
			break
		}
		if inComment {
			if sc.Syntax && c == ')' && sc.CommentDepth == 0 {
				inComment = false
				if t := strings.TrimSpace(cur.String()); t != "" {
					comments = append(comments, t)
				}
				cur.Reset()
				continue
			}
			// Nested parens are comment text; the escaping backslash is not.
			if !sc.Syntax || sc.Escaped || c == '(' || c == ')' {
				cur.WriteByte(c)
			}
			continue
		}
		if sc.Syntax && c == '(' && sc.CommentDepth == 1 {
			inComment = true
			continue
		}
		out.WriteByte(c)
	}
	if sc.Open() || inComment {
		return "", "", ErrUnbalanced
	}
	return strings.Trim(out.String(), " \t"), strings.Join(comments, " "), nil
}

// SplitField splits a recipient field (or a ForwardTo preference value) on
// top-level commas.  Commas inside quotes, comments or route brackets do not
// separate.  Blank entries are dropped.
func SplitField(s string) []string {
	sc := NewScanner(s)
	var parts []string
	var cur strings.Builder
	emit := func() {
		if t := strings.TrimSpace(cur.String()); t != "" {
			parts = append(parts, t)
		}
		cur.Reset()
	}
	for {
		c, ok := sc.Next()
		if !ok {
			break
		}
		if c == ',' && !sc.Escaped && !sc.Syntax && sc.Top() {
			emit()
			continue
		}
		cur.WriteByte(c)
	}
	emit()
	return parts
}

// SplitNameAddr splits a single To-style field into display name and
// address, honoring the forms "Name <addr>", "addr (Name)" and bare "addr".
// A bracketed address keeps its brackets only when it is a genuine source
// route rather than a simple user@host.  Unbalanced delimiters or a field
// holding more than one comma-separated address are errors.
func SplitNameAddr(field string) (name, address string, err error) {
	if len(SplitField(field)) > 1 {
		return "", "", ErrMultipleAddrs
	}
	stripped, comment, err := StripComments(field)
	if err != nil {
		return "", "", err
	}
	sc := NewScanner(stripped)
	var inside, outside strings.Builder
	sawRoute := false
	for {
		c, ok := sc.Next()
		if !ok {
			break
		}
		if sc.Syntax && (c == '<' || c == '>') {
			sawRoute = true
			continue
		}
		if sc.InRoute {
			inside.WriteByte(c)
		} else {
			outside.WriteByte(c)
		}
	}
	if sc.Open() {
		return "", "", ErrUnbalanced
	}
	if !sawRoute {
		return comment, strings.TrimSpace(stripped), nil
	}
	name = strings.TrimSpace(outside.String())
	if name == "" {
		name = comment
	}
	address = strings.TrimSpace(inside.String())
	if _, _, ok := SplitUserHost(address); !ok && address != "" {
		// Not a simple user@host: a source route keeps one bracket pair.
		address = "<" + address + ">"
	}
	return name, address, nil
}

// LooksInternet reports whether s contains an at sign, percent or bang
// outside of quoting and comments, the telltale of an internet or UUCP
// style address.
func LooksInternet(s string) bool {
	sc := NewScanner(s)
	for {
		c, ok := sc.Next()
		if !ok {
			return false
		}
		if sc.Escaped || sc.Syntax || sc.InQuotes || sc.CommentDepth > 0 {
			continue
		}
		switch c {
		case '@', '%', '!':
			return true
		}
	}
}

// NormalizeInternet validates an internet-form address and strips enclosing
// angle brackets.  All enclosing pairs are removed unless the contents are a
// genuine source route (a top-level colon or comma inside the brackets), in
// which case exactly one pair is kept.  A top-level comma outside a route or
// an unterminated quote or route region is an error.
func NormalizeInternet(s string) (string, error) {
	sc := NewScanner(s)
	for {
		c, ok := sc.Next()
		if !ok {
			break
		}
		if c == ',' && !sc.Escaped && !sc.Syntax && sc.Top() {
			return "", ErrBadSyntax
		}
	}
	if sc.Open() {
		return "", ErrUnbalanced
	}
	s = strings.TrimSpace(s)
	stripped := false
	for len(s) >= 2 && s[0] == '<' && s[len(s)-1] == '>' {
		s = strings.TrimSpace(s[1 : len(s)-1])
		stripped = true
	}
	if stripped && isSourceRoute(s) {
		return "<" + s + ">", nil
	}
	return s, nil
}

// bracketContents returns the contents of s when a single angle bracket pair
// encloses the entire string.
func bracketContents(s string) (string, bool) {
	if len(s) < 2 || s[0] != '<' || s[len(s)-1] != '>' {
		return "", false
	}
	sc := NewScanner(s)
	closed := -1
	for i := 0; ; i++ {
		c, ok := sc.Next()
		if !ok {
			break
		}
		if sc.Syntax && c == '>' && closed == -1 {
			closed = i
		}
	}
	if closed != len(s)-1 {
		return "", false
	}
	return s[1 : len(s)-1], true
}

// isSourceRoute reports whether a bracket-stripped address embeds an
// explicit relay path: a top-level colon or comma.
func isSourceRoute(s string) bool {
	sc := NewScanner(s)
	for {
		c, ok := sc.Next()
		if !ok {
			return false
		}
		if sc.Escaped || sc.Syntax || !sc.Top() {
			continue
		}
		if c == ':' || c == ',' {
			return true
		}
	}
}

// SplitUserHost splits s on the first unquoted at sign outside any comment.
// It reports not-ok for source routes (a leading at sign) and for addresses
// with no at sign at all.
func SplitUserHost(s string) (user, host string, ok bool) {
	sc := NewScanner(s)
	for i := 0; ; i++ {
		c, b := sc.Next()
		if !b {
			return "", "", false
		}
		if c == '@' && !sc.Escaped && !sc.Syntax && !sc.InQuotes && sc.CommentDepth == 0 {
			if i == 0 {
				return "", "", false
			}
			return s[:i], s[i+1:], true
		}
	}
}

// AddHost composes the canonical internet form of a directory name at the
// given host.  Runs of spaces become single periods, the separator used in
// published campus addresses.
func AddHost(name, host string) string {
	name = Clean(name)
	var b strings.Builder
	b.Grow(len(name) + len(host) + 1)
	for i := 0; i < len(name); i++ {
		if name[i] == ' ' {
			b.WriteByte('.')
		} else {
			b.WriteByte(name[i])
		}
	}
	b.WriteByte('@')
	b.WriteString(host)
	return b.String()
}

// EquivalentNames reports whether two names are equal modulo case and
// delimiter normalization: spaces, periods, dashes and underscores are all
// equivalent, and runs of them collapse.
func EquivalentNames(a, b string) bool {
	return foldName(a) == foldName(b)
}

func foldName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	sep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case ' ', '.', '-', '_':
			sep = true
			continue
		}
		if sep {
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			sep = false
		}
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// MatchHost returns the index of the first entry in candidates matching
// host, or -1.  The local domain suffix is stripped from host first, and
// each candidate is compared both with and without the same stripping.
func MatchHost(host string, candidates []string, suffixes []string) int {
	stripped := StripDomainSuffix(host, suffixes)
	for i, cand := range candidates {
		if strings.EqualFold(stripped, cand) {
			return i
		}
		if strings.EqualFold(stripped, StripDomainSuffix(cand, suffixes)) {
			return i
		}
	}
	return -1
}

// StripDomainSuffix removes the first matching local-domain suffix from
// host, returning host unchanged when none match.
func StripDomainSuffix(host string, suffixes []string) string {
	for _, suf := range suffixes {
		suf = strings.TrimPrefix(suf, ".")
		if suf == "" {
			continue
		}
		if len(host) > len(suf)+1 &&
			strings.EqualFold(host[len(host)-len(suf):], suf) &&
			host[len(host)-len(suf)-1] == '.' {
			return host[:len(host)-len(suf)-1]
		}
	}
	return host
}
