package addr_test

import (
	"testing"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
)

func TestClean(t *testing.T) {
	testCases := []struct {
		input, want string
	}{
		{"", ""},
		{"plain", "plain"},
		{"  lead and trail  ", "lead and trail"},
		{"runs   of    spaces", "runs of spaces"},
		{"ctrl\x01chars\x7fgone", "ctrlcharsgone"},
		{"tabs\tdropped", "tabsdropped"},
	}
	for _, tc := range testCases {
		if got := addr.Clean(tc.input); got != tc.want {
			t.Errorf("Clean(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestCleanIdempotent(t *testing.T) {
	inputs := []string{"Fred Flintstone", "fredf@bedrock.edu", "a b c"}
	for _, in := range inputs {
		if got := addr.Clean(in); got != in {
			t.Errorf("Clean(%q) = %q, want unchanged", in, got)
		}
	}
}

func TestStripComments(t *testing.T) {
	testCases := []struct {
		input   string
		address string
		comment string
	}{
		{"fredf@bedrock.edu", "fredf@bedrock.edu", ""},
		{"fredf@bedrock.edu (Fred Flintstone)", "fredf@bedrock.edu", "Fred Flintstone"},
		{"(Fred) fredf@bedrock.edu (Flintstone)", "fredf@bedrock.edu", "Fred Flintstone"},
		{"a(nested (comment))b", "ab", "nested (comment)"},
		{`a(escaped \) paren)b`, "ab", `escaped ) paren`},
		{`"(not a comment)"@host`, `"(not a comment)"@host`, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			address, comment, err := addr.StripComments(tc.input)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if address != tc.address || comment != tc.comment {
				t.Errorf("Got (%q, %q), want (%q, %q)",
					address, comment, tc.address, tc.comment)
			}
		})
	}
}

func TestStripCommentsUnbalanced(t *testing.T) {
	for _, input := range []string{"a(open", "a)b(", `a"open`, "((x)"} {
		if _, _, err := addr.StripComments(input); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}

func TestSplitField(t *testing.T) {
	testCases := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"a@b", []string{"a@b"}},
		{"a@b, c@d ,e@f", []string{"a@b", "c@d", "e@f"}},
		{`"quoted, comma"@x, b@y`, []string{`"quoted, comma"@x`, "b@y"}},
		{"a@b (hi, there), c@d", []string{"a@b (hi, there)", "c@d"}},
		{"<@h1,@h2:u@h3>, x@y", []string{"<@h1,@h2:u@h3>", "x@y"}},
		{" , ,a@b, ", []string{"a@b"}},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got := addr.SplitField(tc.input)
			if len(got) != len(tc.want) {
				t.Fatalf("Got %d parts %v, want %d %v", len(got), got, len(tc.want), tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Part %d: got %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestSplitNameAddr(t *testing.T) {
	testCases := []struct {
		input   string
		name    string
		address string
	}{
		{"Fred Flintstone <fredf@bedrock.edu>", "Fred Flintstone", "fredf@bedrock.edu"},
		{"fredf@bedrock.edu (Fred Flintstone)", "Fred Flintstone", "fredf@bedrock.edu"},
		{"fredf@bedrock.edu", "", "fredf@bedrock.edu"},
		{"<@relay.net:fredf@bedrock.edu>", "", "<@relay.net:fredf@bedrock.edu>"},
		{"Barney <@h1,@h2:barney@gravel.org>", "Barney", "<@h1,@h2:barney@gravel.org>"},
		{"(Wilma) <wilma@bedrock.edu>", "Wilma", "wilma@bedrock.edu"},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			name, address, err := addr.SplitNameAddr(tc.input)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if name != tc.name || address != tc.address {
				t.Errorf("Got (%q, %q), want (%q, %q)", name, address, tc.name, tc.address)
			}
		})
	}
}

func TestSplitNameAddrErrors(t *testing.T) {
	for _, input := range []string{
		"a@b, c@d",
		"unbalanced (comment",
		"unterminated <route@x",
	} {
		if _, _, err := addr.SplitNameAddr(input); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}

func TestLooksInternet(t *testing.T) {
	testCases := []struct {
		input string
		want  bool
	}{
		{"Fred Flintstone", false},
		{"fredf@bedrock.edu", true},
		{"host!user", true},
		{"user%host", true},
		{`"fake@sign"`, false},
		{"(comment@only)x", false},
		{"<user@host>", true},
	}
	for _, tc := range testCases {
		if got := addr.LooksInternet(tc.input); got != tc.want {
			t.Errorf("LooksInternet(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestNormalizeInternet(t *testing.T) {
	testCases := []struct {
		input, want string
	}{
		{"fredf@bedrock.edu", "fredf@bedrock.edu"},
		{"<fredf@bedrock.edu>", "fredf@bedrock.edu"},
		{"<<fredf@bedrock.edu>>", "fredf@bedrock.edu"},
		{"<@relay.net:fredf@bedrock.edu>", "<@relay.net:fredf@bedrock.edu>"},
		{"<<@h1,@h2:u@h3>>", "<@h1,@h2:u@h3>"},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := addr.NormalizeInternet(tc.input)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNormalizeInternetErrors(t *testing.T) {
	for _, input := range []string{
		"a@b,c@d",
		`"open@quote`,
		"<open@route",
	} {
		if _, err := addr.NormalizeInternet(input); err == nil {
			t.Errorf("Expected error for %q", input)
		}
	}
}

func TestSplitUserHost(t *testing.T) {
	testCases := []struct {
		input      string
		user, host string
		ok         bool
	}{
		{"fredf@bedrock.edu", "fredf", "bedrock.edu", true},
		{`"with@quote"@host`, `"with@quote"`, "host", true},
		{"@relay.net:fredf@bedrock.edu", "", "", false},
		{"noatsign", "", "", false},
	}
	for _, tc := range testCases {
		user, host, ok := addr.SplitUserHost(tc.input)
		if user != tc.user || host != tc.host || ok != tc.ok {
			t.Errorf("SplitUserHost(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.input, user, host, ok, tc.user, tc.host, tc.ok)
		}
	}
}

func TestAddHostRoundTrip(t *testing.T) {
	// addhost followed by a split and another addhost recovers the name up
	// to whitespace/period normalization.
	names := []string{"fredf", "Fred Flintstone", "a b c", "user123"}
	for _, name := range names {
		composed := addr.AddHost(name, "bedrock.edu")
		user, host, ok := addr.SplitUserHost(composed)
		if !ok {
			t.Fatalf("Could not split %q", composed)
		}
		again := addr.AddHost(user, host)
		if again != composed {
			t.Errorf("Round trip of %q: %q != %q", name, again, composed)
		}
		if !addr.EquivalentNames(user, name) {
			t.Errorf("Split user %q not equivalent to %q", user, name)
		}
	}
}

func TestEquivalentNames(t *testing.T) {
	testCases := []struct {
		a, b string
		want bool
	}{
		{"Fred Flintstone", "fred.flintstone", true},
		{"Fred Flintstone", "FRED_FLINTSTONE", true},
		{"fred-flintstone", "fred  flintstone", true},
		{"fred.flintstone", "fredflintstone", false},
		{"fred", "barney", false},
	}
	for _, tc := range testCases {
		if got := addr.EquivalentNames(tc.a, tc.b); got != tc.want {
			t.Errorf("EquivalentNames(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMatchHost(t *testing.T) {
	candidates := []string{"blitz.campus.edu", "mail"}
	suffixes := []string{"campus.edu"}
	testCases := []struct {
		host string
		want int
	}{
		{"blitz.campus.edu", 0},
		{"BLITZ.CAMPUS.EDU", 0},
		{"blitz", 0},
		{"mail.campus.edu", 1},
		{"mail", 1},
		{"other.campus.edu", -1},
		{"blitz.elsewhere.com", -1},
	}
	for _, tc := range testCases {
		if got := addr.MatchHost(tc.host, candidates, suffixes); got != tc.want {
			t.Errorf("MatchHost(%q) = %d, want %d", tc.host, got, tc.want)
		}
	}
}
