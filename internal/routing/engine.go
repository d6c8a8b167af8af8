package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/dan-v/geotunnel/pkg/shared"
)

// Action is what happens to a connection.
type Action string

const (
	ActionDirect Action = "direct"
	ActionProxy  Action = "proxy"
	ActionBlock  Action = "block"
)

// ParseAction accepts direct, proxy or block in any case.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionDirect, ActionProxy, ActionBlock:
		return a, nil
	default:
		return "", fmt.Errorf("unknown route action %q", s)
	}
}

// RuleConfig is one ordered entry of domain_rules or ip_rules.
type RuleConfig struct {
	Action    Action   `mapstructure:"action" yaml:"action" json:"action"`
	Selection []string `mapstructure:"selection" yaml:"selection" json:"selection"`
}

// Config is the routing section of the client configuration.
type Config struct {
	DataDir             string       `mapstructure:"data_dir" yaml:"data_dir"`
	GeoSiteFile         string       `mapstructure:"geosite_file" yaml:"geosite_file"`
	GeoIPFile           string       `mapstructure:"geoip_file" yaml:"geoip_file"`
	RemoteDataURL       string       `mapstructure:"remote_data_url" yaml:"remote_data_url,omitempty"`
	DefaultDomainAction Action       `mapstructure:"default_domain_action" yaml:"default_domain_action"`
	DefaultIPAction     Action       `mapstructure:"default_ip_action" yaml:"default_ip_action"`
	DomainRules         []RuleConfig `mapstructure:"domain_rules" yaml:"domain_rules"`
	IPRules             []RuleConfig `mapstructure:"ip_rules" yaml:"ip_rules"`
}

type domainRoute struct {
	action Action
	group  *DomainGroup
}

type ipRoute struct {
	action Action
	group  *IPGroup
}

// Engine is an immutable routing table. It is safe for concurrent use.
type Engine struct {
	defaultDomain Action
	defaultIP     Action
	domainRules   []domainRoute
	ipRules       []ipRoute
	geoip         *GeoIP
}

// Decision explains a routing outcome. Rule is the index of the matching
// rule in its list, or -1 for the default action and for local addresses.
type Decision struct {
	Action Action
	Host   string
	IsIP   bool
	Rule   int
}

// NewEngine builds the routing table. site may be nil when no geosite
// selectors are used; geo may be nil to disable country matching.
func NewEngine(cfg Config, site *GeoSite, geo *GeoIP) (*Engine, error) {
	e := &Engine{
		defaultDomain: orDefault(cfg.DefaultDomainAction),
		defaultIP:     orDefault(cfg.DefaultIPAction),
		geoip:         geo,
	}
	if _, err := ParseAction(string(e.defaultDomain)); err != nil {
		return nil, fmt.Errorf("default_domain_action: %w", err)
	}
	if _, err := ParseAction(string(e.defaultIP)); err != nil {
		return nil, fmt.Errorf("default_ip_action: %w", err)
	}

	for i, rc := range cfg.DomainRules {
		action, err := ParseAction(string(rc.Action))
		if err != nil {
			return nil, fmt.Errorf("domain_rules[%d]: %w", i, err)
		}
		group, err := ParseDomainSelection(rc.Selection, site)
		if err != nil {
			return nil, fmt.Errorf("domain_rules[%d]: %w", i, err)
		}
		e.domainRules = append(e.domainRules, domainRoute{action: action, group: group})
	}
	for i, rc := range cfg.IPRules {
		action, err := ParseAction(string(rc.Action))
		if err != nil {
			return nil, fmt.Errorf("ip_rules[%d]: %w", i, err)
		}
		group, err := ParseIPSelection(rc.Selection)
		if err != nil {
			return nil, fmt.Errorf("ip_rules[%d]: %w", i, err)
		}
		e.ipRules = append(e.ipRules, ipRoute{action: action, group: group})
	}
	return e, nil
}

func orDefault(a Action) Action {
	if a == "" {
		return ActionProxy
	}
	return Action(strings.ToLower(string(a)))
}

// DefaultEngine proxies every destination that is not a local address.
func DefaultEngine() *Engine {
	return &Engine{defaultDomain: ActionProxy, defaultIP: ActionProxy}
}

// Load builds an Engine from the files under cfg.DataDir. A missing
// geosite database yields an engine with only the default actions, and a
// missing GeoIP database disables country matching.
func Load(cfg Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = shared.Component("routing")
	}
	sitePath := filepath.Join(cfg.DataDir, cfg.GeoSiteFile)
	site, err := LoadPak(sitePath)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("geosite database not found, using default routing", "path", sitePath)
		e := DefaultEngine()
		if cfg.DefaultDomainAction != "" || cfg.DefaultIPAction != "" {
			e, err = NewEngine(Config{
				DefaultDomainAction: cfg.DefaultDomainAction,
				DefaultIPAction:     cfg.DefaultIPAction,
			}, nil, nil)
		}
		return e, err
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", sitePath, err)
	}

	var geo *GeoIP
	geoPath := filepath.Join(cfg.DataDir, cfg.GeoIPFile)
	if _, statErr := os.Stat(geoPath); statErr == nil {
		if geo, err = OpenGeoIP(geoPath); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("geoip database not found, country rules disabled", "path", geoPath)
	}

	e, err := NewEngine(cfg, site, geo)
	if err != nil {
		geo.Close()
		return nil, err
	}
	logger.Info("routing table loaded",
		"domain_rules", len(e.domainRules),
		"ip_rules", len(e.ipRules),
		"geoip", geo != nil)
	return e, nil
}

// Close releases the GeoIP database.
func (e *Engine) Close() error {
	return e.geoip.Close()
}

// MatchAction returns the action for a "host:port" destination.
func (e *Engine) MatchAction(dest string) Action {
	return e.Match(dest).Action
}

// Match evaluates dest against the rules. IP literals in private,
// loopback, broadcast or multicast ranges always go direct.
func (e *Engine) Match(dest string) Decision {
	host := dest
	if pos := strings.LastIndexByte(dest, ':'); pos >= 0 {
		host = dest[:pos]
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	ip, err := netip.ParseAddr(host)
	if err != nil {
		for i, r := range e.domainRules {
			if r.group.Match(host) {
				return Decision{Action: r.action, Host: host, Rule: i}
			}
		}
		return Decision{Action: e.defaultDomain, Host: host, Rule: -1}
	}

	ip = ip.Unmap()
	if isLocalAddr(ip) {
		return Decision{Action: ActionDirect, Host: host, IsIP: true, Rule: -1}
	}
	for i, r := range e.ipRules {
		if r.group.Match(ip, e.geoip) {
			return Decision{Action: r.action, Host: host, IsIP: true, Rule: i}
		}
	}
	return Decision{Action: e.defaultIP, Host: host, IsIP: true, Rule: -1}
}

var broadcastV4 = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func isLocalAddr(ip netip.Addr) bool {
	if ip.Is4() {
		return ip.IsPrivate() || ip.IsLoopback() || ip == broadcastV4 || ip.IsMulticast()
	}
	return ip.IsLoopback() || ip.IsMulticast()
}
