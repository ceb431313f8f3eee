package addr_test

import (
	"testing"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
)

func TestScannerPlainText(t *testing.T) {
	sc := addr.NewScanner("abc")
	for _, want := range []byte("abc") {
		c, ok := sc.Next()
		if !ok {
			t.Fatal("Unexpected end of input")
		}
		if c != want {
			t.Errorf("Got %q, want %q", c, want)
		}
		if sc.Syntax || sc.Escaped {
			t.Errorf("Plain char %q flagged as syntax or escaped", c)
		}
	}
	for i := 0; i < 3; i++ {
		if _, ok := sc.Next(); ok {
			t.Error("Expected repeated end-of-input to stay not-ok")
		}
	}
}

func TestScannerQuoting(t *testing.T) {
	// Quote opens, backslash escapes the next char, quote closes.
	sc := addr.NewScanner(`"a\"b"c`)
	type step struct {
		c       byte
		quoted  bool
		syntax  bool
		escaped bool
	}
	steps := []step{
		{'"', true, true, false},
		{'a', true, false, false},
		{'\\', true, true, false},
		{'"', true, false, true},
		{'b', true, false, false},
		{'"', false, true, false},
		{'c', false, false, false},
	}
	for i, want := range steps {
		c, ok := sc.Next()
		if !ok {
			t.Fatalf("Step %d: unexpected end", i)
		}
		if c != want.c || sc.InQuotes != want.quoted ||
			sc.Syntax != want.syntax || sc.Escaped != want.escaped {
			t.Errorf("Step %d: got c=%q quoted=%v syntax=%v escaped=%v, want %+v",
				i, c, sc.InQuotes, sc.Syntax, sc.Escaped, want)
		}
	}
}

func TestScannerComments(t *testing.T) {
	sc := addr.NewScanner("a(b(c)d)e")
	depths := []int{0, 1, 2, 2, 1, 1, 0, 0}
	for i, want := range depths {
		if _, ok := sc.Next(); !ok {
			t.Fatalf("Step %d: unexpected end", i)
		}
		if sc.CommentDepth != want {
			t.Errorf("Step %d: depth %d, want %d", i, sc.CommentDepth, want)
		}
	}
}

func TestScannerCommentEscapes(t *testing.T) {
	// A backslash still escapes inside a comment, so the escaped paren
	// does not close it.
	sc := addr.NewScanner(`(a\)b)`)
	var last int
	for {
		_, ok := sc.Next()
		if !ok {
			break
		}
		last = sc.CommentDepth
	}
	if last != 0 {
		t.Errorf("Comment depth %d at end, want 0", last)
	}
	if sc.Open() {
		t.Error("Scanner reports open state for balanced input")
	}
}

func TestScannerRouteDoesNotNest(t *testing.T) {
	sc := addr.NewScanner("<a<b>c>")
	inRoute := []bool{true, true, true, true, false, false, false}
	for i, want := range inRoute {
		c, ok := sc.Next()
		if !ok {
			t.Fatalf("Step %d: unexpected end", i)
		}
		if sc.InRoute != want {
			t.Errorf("Step %d (%q): InRoute=%v, want %v", i, c, sc.InRoute, want)
		}
	}
}

func TestScannerSpecialsInertInComment(t *testing.T) {
	sc := addr.NewScanner(`("<>)`)
	for {
		c, ok := sc.Next()
		if !ok {
			break
		}
		if sc.CommentDepth > 0 && (c == '"' || c == '<' || c == '>') && sc.Syntax {
			t.Errorf("Char %q should be inert inside a comment", c)
		}
	}
	if sc.InQuotes || sc.InRoute {
		t.Error("Quote or route state leaked out of a comment")
	}
}

func TestScannerOpenStates(t *testing.T) {
	testCases := []struct {
		input string
		open  bool
	}{
		{"plain", false},
		{`"closed"`, false},
		{`"open`, true},
		{"(closed)", false},
		{"(open", true},
		{"<closed>", false},
		{"<open", true},
		{`"trailing\`, true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			sc := addr.NewScanner(tc.input)
			for {
				if _, ok := sc.Next(); !ok {
					break
				}
			}
			if got := sc.Open(); got != tc.open {
				t.Errorf("Open() = %v for %q, want %v", got, tc.input, tc.open)
			}
		})
	}
}
