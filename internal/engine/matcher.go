package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/trackroute/trackroute/internal/model"
)

// Matcher resolves an inbound URL to the single rule that governs it.
type Matcher struct {
	rules    RuleStore
	patterns sync.Map // source pattern -> *regexp.Regexp, or nil when malformed
}

// NewMatcher creates a Matcher over the given store.
func NewMatcher(rules RuleStore) *Matcher {
	return &Matcher{rules: rules}
}

// Match returns the governing ACTIVE rule and the text captured by each
// wildcard in its source pattern. An exact source or tracking code match wins
// over any wildcard match; within each stage the newest rule wins.
// A nil rule with a nil error means no rule matched.
func (m *Matcher) Match(ctx context.Context, rawURL string) (*model.Rule, []string, error) {
	return m.match(ctx, rawURL, "")
}

// MatchAccount is Match restricted to the rules of one account.
func (m *Matcher) MatchAccount(ctx context.Context, accountID, rawURL string) (*model.Rule, []string, error) {
	if accountID == "" {
		return nil, nil, nil
	}
	return m.match(ctx, rawURL, accountID)
}

// match considers every account's rules when accountID is empty.
func (m *Matcher) match(ctx context.Context, rawURL, accountID string) (*model.Rule, []string, error) {
	key := MatchKey(rawURL)
	owned := func(r *model.Rule) bool {
		return accountID == "" || r.AccountID == accountID
	}

	exact, err := m.rules.FindActiveByKey(ctx, key)
	if err != nil {
		return nil, nil, fmt.Errorf("exact lookup: %w", err)
	}
	for _, rule := range exact {
		if rule.IsActive() && owned(rule) {
			return rule, nil, nil
		}
	}

	active, err := m.rules.ListActive(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list active rules: %w", err)
	}
	for _, rule := range active {
		if !rule.IsActive() || rule.SourceURL == "" || !owned(rule) {
			continue
		}
		re := m.compile(rule.SourceURL)
		if re == nil {
			continue
		}
		if captures := re.FindStringSubmatch(key); captures != nil {
			return rule, captures[1:], nil
		}
	}

	return nil, nil, nil
}

func (m *Matcher) compile(pattern string) *regexp.Regexp {
	if cached, ok := m.patterns.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		re = nil
	}
	m.patterns.Store(pattern, re)
	return re
}

// CompilePattern converts a source URL pattern into an anchored regex.
// Literal characters are escaped, '*' captures any run of characters and
// '?' matches exactly one.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString("(.*)")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// MatchKey strips the query string and fragment from an inbound URL.
func MatchKey(rawURL string) string {
	key, _, _ := strings.Cut(rawURL, "#")
	key, _, _ = strings.Cut(key, "?")
	return key
}

// SubstituteWildcards replaces each '*' in target with the capture at the
// same position. Missing captures become empty.
func SubstituteWildcards(target string, captures []string) string {
	if len(captures) == 0 || !strings.Contains(target, "*") {
		return target
	}
	var b strings.Builder
	i := 0
	for _, r := range target {
		if r != '*' {
			b.WriteRune(r)
			continue
		}
		if i < len(captures) {
			b.WriteString(captures[i])
		}
		i++
	}
	return b.String()
}
