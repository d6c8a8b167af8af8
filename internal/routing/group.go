package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// DomainGroup matches host names against a set of domain rules. Values are
// compared case-insensitively except regular expressions.
type DomainGroup struct {
	full    map[string]struct{}
	domain  []string
	keyword []string
	regexps []*regexp.Regexp
}

func newDomainGroup() *DomainGroup {
	return &DomainGroup{full: make(map[string]struct{})}
}

// Add appends a rule. Include rules are rejected; they only exist in
// rule-list source files.
func (g *DomainGroup) Add(r Rule) error {
	switch r.Type {
	case RuleFull:
		g.full[strings.ToLower(r.Value)] = struct{}{}
	case RuleDomain:
		g.domain = append(g.domain, strings.ToLower(r.Value))
	case RuleKeyword:
		g.keyword = append(g.keyword, strings.ToLower(r.Value))
	case RuleRegexp:
		re, err := regexp.Compile(r.Value)
		if err != nil {
			return fmt.Errorf("compile regexp %q: %w", r.Value, err)
		}
		g.regexps = append(g.regexps, re)
	default:
		return fmt.Errorf("%w %s in selector", ErrInvalidRuleType, r.Type)
	}
	return nil
}

// Len is the total number of matchers.
func (g *DomainGroup) Len() int {
	return len(g.full) + len(g.domain) + len(g.keyword) + len(g.regexps)
}

// Match reports whether host hits any matcher. Order: full, domain,
// keyword, regexp.
func (g *DomainGroup) Match(host string) bool {
	lower := strings.ToLower(host)
	if _, ok := g.full[lower]; ok {
		return true
	}
	for _, d := range g.domain {
		if matchDomain(lower, d) {
			return true
		}
	}
	for _, k := range g.keyword {
		if strings.Contains(lower, k) {
			return true
		}
	}
	for _, re := range g.regexps {
		if re.MatchString(host) {
			return true
		}
	}
	return false
}

// matchDomain is an exact or dot-boundary suffix match. A rule written as
// ".example.com" only matches subdomains.
func matchDomain(host, rule string) bool {
	if host == rule {
		return true
	}
	if strings.HasPrefix(rule, ".") {
		return strings.HasSuffix(host, rule)
	}
	return strings.HasSuffix(host, rule) && host[len(host)-len(rule)-1] == '.'
}
