package routing

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

var (
	ErrInvalidSelectorType = errors.New("invalid selector type")
	ErrGeoSiteNotFound     = errors.New("geosite file not found")
)

// ParseDomainSelection builds a DomainGroup from selector strings of the
// form "[domain|keyword|regexp|full|geosite:]value". A geosite selector
// pulls in every rule of the named file that passes its attribute filter.
func ParseDomainSelection(selection []string, site *GeoSite) (*DomainGroup, error) {
	g := newDomainGroup()
	for _, sel := range selection {
		if err := addDomainSelector(g, strings.TrimSpace(sel), site); err != nil {
			return nil, fmt.Errorf("selector %q: %w", sel, err)
		}
	}
	return g, nil
}

func addDomainSelector(g *DomainGroup, sel string, site *GeoSite) error {
	kind, value := "domain", sel
	if pos := strings.IndexByte(sel, ':'); pos >= 0 {
		kind, value = strings.TrimSpace(sel[:pos]), strings.TrimSpace(sel[pos+1:])
	}

	if kind == "geosite" {
		file, filter := value, []Attr(nil)
		if pos := strings.IndexByte(value, '@'); pos >= 0 {
			attrs, err := parseAttrs(value[pos+1:])
			if err != nil {
				return err
			}
			file, filter = strings.TrimSpace(value[:pos]), attrs
		}
		if site == nil {
			return fmt.Errorf("%w: %s", ErrGeoSiteNotFound, file)
		}
		rules, ok := site.Lookup(file, filter)
		if !ok {
			return fmt.Errorf("%w: %s", ErrGeoSiteNotFound, file)
		}
		for _, r := range rules {
			if err := g.Add(r); err != nil {
				return err
			}
		}
		return nil
	}

	t, ok := ruleTypeNames[kind]
	if !ok || t == RuleInclude {
		return fmt.Errorf("%w %s", ErrInvalidSelectorType, kind)
	}
	if value == "" {
		return ErrEmptyRule
	}
	return g.Add(Rule{Type: t, Value: value})
}

// ParseIPSelection builds an IPGroup from "cidr", "geoip:CODE" and
// "geoip:private" selectors. A bare selector is a CIDR.
func ParseIPSelection(selection []string) (*IPGroup, error) {
	g := newIPGroup()
	for _, sel := range selection {
		sel = strings.TrimSpace(sel)
		kind, value := splitIPSelector(sel)
		var err error
		switch kind {
		case "cidr":
			err = g.addCIDR(value)
		case "geoip":
			if strings.EqualFold(value, "private") {
				for _, cidr := range privateCIDRs {
					if err = g.addCIDR(cidr); err != nil {
						break
					}
				}
			} else if value == "" {
				err = ErrEmptyRule
			} else {
				g.addCountry(value)
			}
		default:
			err = fmt.Errorf("%w %s", ErrInvalidSelectorType, kind)
		}
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", sel, err)
		}
	}
	return g, nil
}

// splitIPSelector separates an optional "kind:" prefix. IPv6 prefixes
// contain colons themselves, so anything that parses as a CIDR is one.
func splitIPSelector(sel string) (kind, value string) {
	if _, err := netip.ParsePrefix(sel); err == nil {
		return "cidr", sel
	}
	pos := strings.IndexByte(sel, ':')
	if pos < 0 {
		return "cidr", sel
	}
	return strings.TrimSpace(sel[:pos]), strings.TrimSpace(sel[pos+1:])
}
