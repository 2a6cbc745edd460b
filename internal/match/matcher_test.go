package match

import (
	"strings"
	"testing"

	"github.com/convoroute/convoroute/internal/models"
)

func TestMatchExact(t *testing.T) {
	m := NewMatcher()
	if ok, _ := m.Match("menu", models.MatchTypeExact, "menu"); !ok {
		t.Error("expected exact match")
	}
	if ok, _ := m.Match("menu", models.MatchTypeExact, "menus"); ok {
		t.Error("did not expect match for longer input")
	}
	// Unset match type defaults to exact.
	if ok, _ := m.Match("menu", "", "menu"); !ok {
		t.Error("expected empty match type to behave as exact")
	}
}

func TestMatchContainsAndPrefix(t *testing.T) {
	m := NewMatcher()
	if ok, _ := m.Match("deuda", models.MatchTypeContains, "quiero pagar mi deuda total"); !ok {
		t.Error("expected contains match")
	}
	if ok, _ := m.Match("pagar", models.MatchTypePrefix, "pagar deuda"); !ok {
		t.Error("expected prefix match")
	}
	if ok, _ := m.Match("pagar", models.MatchTypePrefix, "quiero pagar"); ok {
		t.Error("did not expect prefix match mid-string")
	}
}

func TestMatchGlob(t *testing.T) {
	m := NewMatcher()
	if ok, _ := m.Match("account_*", models.MatchTypeGlob, "account_12345"); !ok {
		t.Error("expected glob prefix match")
	}
	if ok, _ := m.Match("account_*", models.MatchTypeGlob, "order_12345"); ok {
		t.Error("did not expect glob match for different prefix")
	}
	// A glob with no wildcard degrades to exact.
	if ok, _ := m.Match("account_1", models.MatchTypeGlob, "account_12"); ok {
		t.Error("wildcard-free glob should be exact")
	}
}

func TestMatchRegexWithGroups(t *testing.T) {
	m := NewMatcher()
	ok, groups := m.Match(`^pagar (\d+)$`, models.MatchTypeRegex, "pagar 1500")
	if !ok {
		t.Fatal("expected regex match")
	}
	if len(groups) != 1 || groups[0] != "1500" {
		t.Errorf("expected captured amount, got %v", groups)
	}
}

func TestMatchRegexInvalidPatternIsNonMatching(t *testing.T) {
	m := NewMatcher()
	// A malformed pattern must degrade to no-match, not panic or error out.
	if ok, _ := m.Match(`([`, models.MatchTypeRegex, "anything"); ok {
		t.Error("invalid pattern must not match")
	}
	// Second evaluation hits the negative cache and still does not match.
	if ok, _ := m.Match(`([`, models.MatchTypeRegex, "anything"); ok {
		t.Error("cached invalid pattern must not match")
	}
}

func TestMatchRegexOversizedPatternSkipped(t *testing.T) {
	m := NewMatcher()
	huge := "^" + strings.Repeat("a?", models.MaxPatternLength)
	if ok, _ := m.Match(huge, models.MatchTypeRegex, "aaa"); ok {
		t.Error("oversized pattern must be skipped")
	}
}

func TestEmptyInputNeverMatches(t *testing.T) {
	m := NewMatcher()
	for _, mt := range []models.MatchType{
		models.MatchTypeExact, models.MatchTypeContains, models.MatchTypePrefix,
		models.MatchTypeRegex, models.MatchTypeGlob,
	} {
		if ok, _ := m.Match(".*", mt, ""); ok {
			t.Errorf("empty input matched under %s", mt)
		}
	}
}

func TestMatchRuleAliases(t *testing.T) {
	m := NewMatcher()
	rule := models.RoutingRule{
		TriggerValue: "cancelar",
		MatchType:    models.MatchTypeExact,
		Metadata:     models.RuleMetadata{Aliases: []string{"salir", "cancel"}},
	}
	if ok, _ := m.MatchRule(rule, "salir"); !ok {
		t.Error("expected alias to match")
	}
	if ok, _ := m.MatchRule(rule, "seguir"); ok {
		t.Error("did not expect non-alias to match")
	}
}

func TestRegexCacheReuse(t *testing.T) {
	m := NewMatcher()
	pattern := `^\d{7,8}$`
	if ok, _ := m.Match(pattern, models.MatchTypeRegex, "12345678"); !ok {
		t.Fatal("expected DNI pattern to match")
	}
	m.mu.RLock()
	_, cached := m.cache[pattern]
	m.mu.RUnlock()
	if !cached {
		t.Error("expected compiled pattern to be cached")
	}
}
