package rules

import (
	"strings"
	"testing"

	"github.com/winspan/dnsguard/internal/models"
)

func newTestEngine() *Engine {
	e := NewEngine()
	e.LoadBuiltins(DefaultGeneral(), DefaultChild())
	return e
}

func TestShouldBlock(t *testing.T) {
	e := newTestEngine()
	e.LoadCustomRules([]string{"Blocked.Example"}, []string{"safe.doubleclick.net"})

	tests := []struct {
		domain string
		want   bool
	}{
		{"doubleclick.net", true},
		{"stats.g.doubleclick.net", true},
		{"DOUBLECLICK.NET.", true},
		{"  doubleclick.net  ", true},
		{"notdoubleclick.net", false},
		{"net", false},
		{"blocked.example", true},
		{"www.blocked.example", true},
		{"example", false},
		{"safe.doubleclick.net", false},
		{"cdn.safe.doubleclick.net", false},
		{"x.ads.y", true},
		{"ads.com", false},
		{"ad.network.com", true},
		{"pornhub.com", false}, // child list off
		{"", false},
		{"google.com", false},
	}

	for _, tt := range tests {
		if got := e.ShouldBlock(tt.domain); got != tt.want {
			t.Errorf("ShouldBlock(%q) = %v; want %v", tt.domain, got, tt.want)
		}
	}
}

func TestWhitelistOverridesEveryList(t *testing.T) {
	e := newTestEngine()
	e.SetChildProtectionMode(true)
	e.LoadCustomRules(
		[]string{"evil.com"},
		[]string{"evil.com", "doubleclick.net", "pornhub.com", "x.ads.y"},
	)

	for _, d := range []string{"evil.com", "sub.evil.com", "doubleclick.net", "a.doubleclick.net", "pornhub.com", "x.ads.y"} {
		if e.ShouldBlock(d) {
			t.Errorf("%s is whitelisted but blocked", d)
		}
	}
}

func TestChildProtectionMode(t *testing.T) {
	e := newTestEngine()
	if e.ShouldBlock("www.pornhub.com") {
		t.Fatal("child list applied while mode is off")
	}
	e.SetChildProtectionMode(true)
	if !e.ShouldBlock("www.pornhub.com") {
		t.Fatal("child list not applied while mode is on")
	}
	if !e.ShouldBlock("online.casino.io") {
		t.Fatal("child wildcard not applied")
	}
	if got := e.GetCategory("pornhub.com"); got != models.CategoryContent {
		t.Errorf("category = %s; want content", got)
	}
	e.SetChildProtectionMode(false)
	if e.ShouldBlock("www.pornhub.com") {
		t.Fatal("child list applied after mode turned off")
	}
}

func TestSuffixNeverMatchesParent(t *testing.T) {
	e := NewEngine()
	e.LoadBuiltins([]models.FilterRule{{Domain: "ads.example.com", Category: models.CategoryAd}}, nil)

	if !e.ShouldBlock("x.ads.example.com") {
		t.Error("subdomain of rule should be blocked")
	}
	if e.ShouldBlock("example.com") {
		t.Error("parent of rule must not be blocked")
	}
	if e.ShouldBlock("badads.example.com") {
		t.Error("suffix must align on a label boundary")
	}
}

func TestGetCategory(t *testing.T) {
	e := newTestEngine()
	e.LoadCustomRules([]string{"custom.com"}, nil)

	tests := []struct {
		domain string
		want   models.Category
	}{
		{"www.google-analytics.com", models.CategoryTracker},
		{"doubleclick.net", models.CategoryAd},
		{"x.ads.y", models.CategoryAd},
		{"foo.tracking.bar", models.CategoryTracker},
		{"custom.com", models.CategoryUnknown},
		{"example.org", models.CategoryUnknown},
	}
	for _, tt := range tests {
		if got := e.GetCategory(tt.domain); got != tt.want {
			t.Errorf("GetCategory(%q) = %s; want %s", tt.domain, got, tt.want)
		}
	}
}

func TestMostSpecificSuffixWins(t *testing.T) {
	e := NewEngine()
	e.LoadBuiltins([]models.FilterRule{
		{Domain: "example.com", Category: models.CategoryContent},
		{Domain: "ads.example.com", Category: models.CategoryAd},
	}, nil)

	if got := e.GetCategory("x.ads.example.com"); got != models.CategoryAd {
		t.Errorf("category = %s; want ad", got)
	}
	if got := e.GetCategory("www.example.com"); got != models.CategoryContent {
		t.Errorf("category = %s; want content", got)
	}
}

func TestMutationsAreIdempotent(t *testing.T) {
	e := NewEngine()

	e.AddToBlacklist("bad.com")
	e.AddToBlacklist("BAD.com")
	if !e.ShouldBlock("bad.com") {
		t.Fatal("bad.com not blocked")
	}
	if n := e.Sizes()["blacklist"]; n != 1 {
		t.Errorf("blacklist size = %d; want 1", n)
	}

	e.AddToWhitelist("bad.com")
	if e.ShouldBlock("bad.com") {
		t.Fatal("whitelist did not override")
	}
	e.RemoveFromWhitelist("bad.com")
	e.RemoveFromWhitelist("bad.com")
	if !e.ShouldBlock("bad.com") {
		t.Fatal("bad.com not blocked after whitelist removal")
	}

	e.RemoveFromBlacklist("bad.com")
	e.RemoveFromBlacklist("missing.com")
	if e.ShouldBlock("bad.com") {
		t.Fatal("bad.com still blocked")
	}
}

func TestCompileWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		input   string
		want    bool
	}{
		{"*.ads.*", "x.ads.y", true},
		{"*.ads.*", "X.ADS.Y", true},
		{"*.ads.*", "ads.com", false},
		{"*.ads.*", "xadsy", false},
		{"ad?.*", "ad?.com", true},
		{"ad?.*", "ads.com", false},
		{"tracker.*", "tracker.io", true},
		{"tracker.*", "eviltracker.io", false},
	}
	for _, tt := range tests {
		re, err := compileWildcard(tt.pattern)
		if err != nil {
			t.Fatalf("compileWildcard(%q): %v", tt.pattern, err)
		}
		if got := re.MatchString(tt.input); got != tt.want {
			t.Errorf("%q matching %q = %v; want %v", tt.pattern, tt.input, got, tt.want)
		}
	}
}

func TestParseList(t *testing.T) {
	input := `
# comment
0.0.0.0 ads.example.com
127.0.0.1   tracker.example.com tracker # inline
plain.example.com
||adblock.example.com^
*.promo.*
0.0.0.0 localhost
0.0.0.0 ads.example.com
`
	rules, err := ParseList(strings.NewReader(input), models.CategoryAd)
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}

	want := []models.FilterRule{
		{Domain: "ads.example.com", Category: models.CategoryAd},
		{Domain: "tracker.example.com", Category: models.CategoryTracker},
		{Domain: "plain.example.com", Category: models.CategoryAd},
		{Domain: "adblock.example.com", Category: models.CategoryAd},
		{Domain: "*.promo.*", Pattern: "*.promo.*", Category: models.CategoryAd, IsWildcard: true},
	}
	if len(rules) != len(want) {
		t.Fatalf("got %d rules; want %d: %+v", len(rules), len(want), rules)
	}
	for i := range want {
		if rules[i] != want[i] {
			t.Errorf("rule %d = %+v; want %+v", i, rules[i], want[i])
		}
	}
}
