// Package routing decides, per destination, whether a connection goes
// direct, through the tunnel, or nowhere. Domain rules come from a compiled
// geosite database, IP rules from CIDR lists and an optional GeoIP database.
package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RuleType is the matcher kind of a domain rule.
type RuleType uint8

const (
	RuleInclude RuleType = iota
	RuleDomain
	RuleKeyword
	RuleRegexp
	RuleFull
)

var ruleTypeNames = map[string]RuleType{
	"include": RuleInclude,
	"domain":  RuleDomain,
	"keyword": RuleKeyword,
	"regexp":  RuleRegexp,
	"full":    RuleFull,
}

func (t RuleType) String() string {
	for name, v := range ruleTypeNames {
		if v == t {
			return name
		}
	}
	return fmt.Sprintf("RuleType(%d)", uint8(t))
}

var (
	ErrEmptyRule       = errors.New("no rule found")
	ErrEmptyAttrName   = errors.New("attr name is empty")
	ErrInvalidRuleType = errors.New("invalid rule type")
)

// Attr is a rule attribute. A filter attr with Enabled false means "must
// not carry this attribute".
type Attr struct {
	Name    string
	Enabled bool
}

func (a Attr) String() string {
	if a.Enabled {
		return "@" + a.Name
	}
	return "@!" + a.Name
}

// Rule is one line of a rule-list file.
type Rule struct {
	Type  RuleType
	Value string
	// Attrs is sorted and free of duplicates.
	Attrs []Attr
}

// ParseRule parses "[type:]value[@attr][@!attr]... [# comment]".
// Blank and comment-only lines return ErrEmptyRule.
func ParseRule(line string) (Rule, error) {
	s := strings.TrimSpace(line)
	if pos := strings.IndexByte(s, '#'); pos >= 0 {
		s = strings.TrimSpace(s[:pos])
	}
	if s == "" {
		return Rule{}, ErrEmptyRule
	}

	r := Rule{Type: RuleDomain}
	if pos := strings.IndexByte(s, ':'); pos >= 0 {
		name := strings.TrimSpace(s[:pos])
		t, ok := ruleTypeNames[name]
		if !ok {
			return Rule{}, fmt.Errorf("%w %s", ErrInvalidRuleType, name)
		}
		r.Type = t
		s = strings.TrimSpace(s[pos+1:])
	}

	if pos := strings.IndexByte(s, '@'); pos >= 0 {
		attrs, err := parseAttrs(s[pos+1:])
		if err != nil {
			return Rule{}, err
		}
		r.Attrs = attrs
		s = strings.TrimSpace(s[:pos])
	}
	r.Value = s
	return r, nil
}

func parseAttrs(s string) ([]Attr, error) {
	var attrs []Attr
	for _, part := range strings.Split(s, "@") {
		a, err := parseAttr(part)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return normalizeAttrs(attrs), nil
}

func parseAttr(s string) (Attr, error) {
	s = strings.TrimSpace(s)
	a := Attr{Name: s, Enabled: true}
	if name, ok := strings.CutPrefix(s, "!"); ok {
		a = Attr{Name: name, Enabled: false}
	}
	if a.Name == "" {
		return Attr{}, ErrEmptyAttrName
	}
	return a, nil
}

func normalizeAttrs(attrs []Attr) []Attr {
	if len(attrs) == 0 {
		return nil
	}
	sort.Slice(attrs, func(i, j int) bool {
		if attrs[i].Name != attrs[j].Name {
			return attrs[i].Name < attrs[j].Name
		}
		return !attrs[i].Enabled && attrs[j].Enabled
	})
	out := attrs[:1]
	for _, a := range attrs[1:] {
		if a != out[len(out)-1] {
			out = append(out, a)
		}
	}
	return out
}

// HasAttr reports whether the rule carries name enabled.
func (r Rule) HasAttr(name string) bool {
	for _, a := range r.Attrs {
		if a.Enabled && a.Name == name {
			return true
		}
	}
	return false
}

// MatchAttrs applies a filter with OR semantics: the rule is kept when any
// filter attr is satisfied. An empty filter keeps everything.
func (r Rule) MatchAttrs(filter []Attr) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if r.HasAttr(f.Name) == f.Enabled {
			return true
		}
	}
	return false
}

// key identifies a rule for deduplication.
func (r Rule) key() string {
	var b strings.Builder
	b.WriteByte(byte('0' + r.Type))
	b.WriteString(r.Value)
	for _, a := range r.Attrs {
		b.WriteString(a.String())
	}
	return b.String()
}

func (r Rule) String() string {
	var b strings.Builder
	b.WriteString(r.Type.String())
	b.WriteByte(':')
	b.WriteString(r.Value)
	for _, a := range r.Attrs {
		b.WriteString(a.String())
	}
	return b.String()
}
