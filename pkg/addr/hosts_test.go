package addr_test

import (
	"testing"

	"github.com/freefal/blitzmail-server-sub000/pkg/addr"
)

func testHosts() addr.Hosts {
	return addr.Hosts{
		Hostname:       "blitz.campus.edu",
		Aliases:        []string{"mail.campus.edu"},
		DomainSuffixes: []string{"campus.edu"},
		DNDHosts:       []string{"dnd.campus.edu"},
	}
}

func TestLocalize(t *testing.T) {
	hosts := testHosts()
	testCases := []struct {
		input   string
		rewrite string
		local   bool
	}{
		{"Fred Flintstone", "Fred Flintstone", true},
		{"fredf@blitz.campus.edu", "fredf", true},
		{"fredf@BLITZ.CAMPUS.EDU", "fredf", true},
		{"fredf@blitz", "fredf", true},
		{"fredf@mail.campus.edu", "fredf", true},
		{"<fredf@blitz.campus.edu>", "fredf", true},
		{"fredf@bedrock.edu", "fredf@bedrock.edu", false},
		{"bedrock!fredf", "bedrock!fredf", false},
		{"<@blitz.campus.edu:fredf@bedrock.edu>", "fredf@bedrock.edu", false},
		{"<@blitz:fredf@blitz>", "fredf", true},
		{"<@blitz,@mail:fredf@blitz>", "fredf", true},
		{"<@bedrock.edu:fredf@blitz.campus.edu>", "<@bedrock.edu:fredf@blitz.campus.edu>", false},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			rewrite, local := hosts.Localize(tc.input)
			if local != tc.local || rewrite != tc.rewrite {
				t.Errorf("Localize(%q) = (%q, %v), want (%q, %v)",
					tc.input, rewrite, local, tc.rewrite, tc.local)
			}
		})
	}
}

func TestInLocalDomain(t *testing.T) {
	hosts := testHosts()
	testCases := []struct {
		input string
		want  bool
	}{
		{"fredf@blitz.campus.edu", true},
		{"Fred Flintstone", true},
		{"someone@other.campus.edu", true},
		{"someone@dnd.campus.edu", true},
		{"someone@campus.edu", true},
		{"fredf@bedrock.edu", false},
		{"<@bedrock.edu:x@y.com>", false},
	}
	for _, tc := range testCases {
		if got := hosts.InLocalDomain(tc.input); got != tc.want {
			t.Errorf("InLocalDomain(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}
