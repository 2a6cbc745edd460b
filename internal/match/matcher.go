// Package match evaluates a single input string against a rule's trigger
// definition (exact, contains, prefix, regex, glob).
//
// Stored regex patterns are admin-supplied and treated as untrusted: patterns
// that exceed the size guard or fail to compile are logged and treated as
// non-matching so one bad rule cannot break routing for other tenants.
package match

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/convoroute/convoroute/internal/models"
)

// Matcher evaluates trigger specifications against normalized input.
// Compiled regular expressions are cached; a failed compilation is cached as
// nil so a bad pattern is only compiled (and logged) once.
type Matcher struct {
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewMatcher creates a Matcher with an empty pattern cache.
func NewMatcher() *Matcher {
	return &Matcher{cache: make(map[string]*regexp.Regexp)}
}

// Match reports whether input satisfies the trigger under the given match
// type. For regex triggers, captured groups are returned alongside the match.
// Empty input never matches.
func (m *Matcher) Match(trigger string, matchType models.MatchType, input string) (bool, []string) {
	if input == "" || trigger == "" {
		return false, nil
	}

	switch matchType {
	case models.MatchTypeExact, "":
		return input == trigger, nil
	case models.MatchTypeContains:
		return strings.Contains(input, trigger), nil
	case models.MatchTypePrefix:
		return strings.HasPrefix(input, trigger), nil
	case models.MatchTypeGlob:
		return matchGlob(trigger, input), nil
	case models.MatchTypeRegex:
		return m.matchRegex(trigger, input)
	default:
		slog.Warn("Matcher unknown match type, treating as no match", "match_type", matchType, "trigger", trigger)
		return false, nil
	}
}

// MatchRule evaluates input against a rule's trigger value and its metadata
// aliases. Aliases are always compared exactly.
func (m *Matcher) MatchRule(rule models.RoutingRule, input string) (bool, []string) {
	if matched, groups := m.Match(rule.TriggerValue, rule.EffectiveMatchType(), input); matched {
		return true, groups
	}
	for _, alias := range rule.Metadata.Aliases {
		if input != "" && input == alias {
			return true, nil
		}
	}
	return false, nil
}

// matchGlob matches list-selection style patterns such as "account_*" by the
// prefix before the first wildcard. A pattern without a wildcard is exact.
func matchGlob(pattern, input string) bool {
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return input == pattern
	}
	return strings.HasPrefix(input, pattern[:idx])
}

func (m *Matcher) matchRegex(pattern, input string) (bool, []string) {
	re, ok := m.compiled(pattern)
	if !ok {
		return false, nil
	}
	groups := re.FindStringSubmatch(input)
	if groups == nil {
		return false, nil
	}
	return true, groups[1:]
}

// compiled returns the cached compiled pattern, compiling on first use.
// Oversized or invalid patterns are cached as permanently non-matching.
func (m *Matcher) compiled(pattern string) (*regexp.Regexp, bool) {
	m.mu.RLock()
	re, cached := m.cache[pattern]
	m.mu.RUnlock()
	if cached {
		return re, re != nil
	}

	var compiled *regexp.Regexp
	if len(pattern) > models.MaxPatternLength {
		slog.Warn("Matcher pattern exceeds size guard, skipping rule", "pattern_length", len(pattern), "max", models.MaxPatternLength)
	} else {
		var err error
		compiled, err = regexp.Compile(pattern)
		if err != nil {
			slog.Warn("Matcher invalid regex pattern, skipping rule", "pattern", pattern, "error", err)
			compiled = nil
		}
	}

	m.mu.Lock()
	m.cache[pattern] = compiled
	m.mu.Unlock()
	return compiled, compiled != nil
}
