package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"

	"github.com/dan-v/geotunnel/internal/routing"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// DefaultDataDir holds geosite.pak and the GeoIP database unless
// routing.data_dir says otherwise.
func DefaultDataDir() string {
	return filepath.Join(xdg.DataHome, "geotunnel")
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Address:          shared.DefaultClientAddress,
			Port:             shared.DefaultClientPort,
			Transport:        tunnel.TransportWebSocket,
			ExtraHTTPHeaders: map[string]string{},
			MaxIdleConns:     8,
			PoolScanInterval: shared.DefaultPoolScanInterval,
			ProbeTimeout:     shared.LivenessProbeTimeout,
		},
		Server: ServerConfig{
			Address:        shared.DefaultServerAddress,
			Port:           shared.DefaultServerPort,
			Path:           "/",
			ConnectTimeout: shared.RemoteConnectTimeout,
		},
		Routing: routing.Config{
			DataDir:             DefaultDataDir(),
			GeoSiteFile:         "geosite.pak",
			GeoIPFile:           "GeoLite2-Country.mmdb",
			DefaultDomainAction: routing.ActionProxy,
			DefaultIPAction:     routing.ActionProxy,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    shared.DefaultMetricsPort,
		},
	}
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate checks the sections shared by both roles: routing, logging and
// metrics.
func Validate(cfg *Config) []error {
	var errs []error

	if _, err := shared.ParseLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, &ConfigError{Field: "logging.level", Value: cfg.Logging.Level, Message: "level must be one of: debug, info, warn, error"})
	}
	if f := strings.ToLower(cfg.Logging.Format); f != "" && f != "text" && f != "json" {
		errs = append(errs, &ConfigError{Field: "logging.format", Value: cfg.Logging.Format, Message: "format must be text or json"})
	}
	if cfg.Metrics.Enabled && !validPort(cfg.Metrics.Port) {
		errs = append(errs, &ConfigError{Field: "metrics.port", Value: cfg.Metrics.Port, Message: "port must be between 1 and 65535"})
	}

	for field, a := range map[string]routing.Action{
		"routing.default_domain_action": cfg.Routing.DefaultDomainAction,
		"routing.default_ip_action":     cfg.Routing.DefaultIPAction,
	} {
		if a == "" {
			continue
		}
		if _, err := routing.ParseAction(string(a)); err != nil {
			errs = append(errs, &ConfigError{Field: field, Value: a, Message: "action must be one of: direct, proxy, block"})
		}
	}
	errs = append(errs, validateRules("routing.domain_rules", cfg.Routing.DomainRules)...)
	errs = append(errs, validateRules("routing.ip_rules", cfg.Routing.IPRules)...)

	if u := cfg.Routing.RemoteDataURL; u != "" && !strings.HasPrefix(u, "s3://") {
		errs = append(errs, &ConfigError{Field: "routing.remote_data_url", Value: u, Message: "remote data url must be s3://bucket/prefix"})
	}
	return errs
}

func validateRules(field string, rules []routing.RuleConfig) []error {
	var errs []error
	for i, r := range rules {
		name := fmt.Sprintf("%s[%d]", field, i)
		if _, err := routing.ParseAction(string(r.Action)); err != nil {
			errs = append(errs, &ConfigError{Field: name + ".action", Value: r.Action, Message: "action must be one of: direct, proxy, block"})
		}
		if len(r.Selection) == 0 {
			errs = append(errs, &ConfigError{Field: name + ".selection", Value: r.Selection, Message: "selection cannot be empty"})
		}
	}
	return errs
}

// ValidateClient checks everything the client command needs.
func ValidateClient(cfg *Config) []error {
	errs := Validate(cfg)
	c := cfg.Client

	if !validPort(c.Port) {
		errs = append(errs, &ConfigError{Field: "client.port", Value: c.Port, Message: "port must be between 1 and 65535"})
	}
	if c.HTTPPort != 0 && (!validPort(c.HTTPPort) || c.HTTPPort == c.Port) {
		errs = append(errs, &ConfigError{Field: "client.http_port", Value: c.HTTPPort, Message: "http port must be a free port other than client.port"})
	}

	var wantSchemes []string
	switch c.Transport {
	case "", tunnel.TransportWebSocket:
		wantSchemes = []string{"ws", "wss"}
	case tunnel.TransportQUIC:
		wantSchemes = []string{"quic"}
	default:
		errs = append(errs, &ConfigError{Field: "client.transport", Value: c.Transport, Message: "transport must be websocket or quic"})
	}
	if c.ServerURL == "" {
		errs = append(errs, &ConfigError{Field: "client.server_url", Value: c.ServerURL, Message: "server url cannot be empty"})
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Host == "" {
		errs = append(errs, &ConfigError{Field: "client.server_url", Value: c.ServerURL, Message: "server url must be an absolute url"})
	} else if wantSchemes != nil && !containsFold(wantSchemes, u.Scheme) {
		errs = append(errs, &ConfigError{Field: "client.server_url", Value: c.ServerURL,
			Message: fmt.Sprintf("scheme must be one of %s for the %s transport", strings.Join(wantSchemes, ", "), c.Transport)})
	}

	if c.User == "" || c.Key == "" {
		errs = append(errs, &ConfigError{Field: "client.user", Value: c.User, Message: "user and key are required"})
	}
	if c.MaxIdleConns < 0 {
		errs = append(errs, &ConfigError{Field: "client.max_idle_conns", Value: c.MaxIdleConns, Message: "max idle conns cannot be negative"})
	}
	if c.ProbeTimeout < 0 || c.PoolScanInterval < 0 {
		errs = append(errs, &ConfigError{Field: "client.probe_timeout", Value: c.ProbeTimeout, Message: "pool durations cannot be negative"})
	}
	return errs
}

// ValidateServer checks everything the server command needs.
func ValidateServer(cfg *Config) []error {
	errs := Validate(cfg)
	s := cfg.Server

	if !validPort(s.Port) {
		errs = append(errs, &ConfigError{Field: "server.port", Value: s.Port, Message: "port must be between 1 and 65535"})
	}
	if s.QUICPort != 0 && !validPort(s.QUICPort) {
		errs = append(errs, &ConfigError{Field: "server.quic_port", Value: s.QUICPort, Message: "port must be between 1 and 65535"})
	}
	if !strings.HasPrefix(s.Path, "/") {
		errs = append(errs, &ConfigError{Field: "server.path", Value: s.Path, Message: "path must start with /"})
	}
	if len(s.Users) == 0 {
		errs = append(errs, &ConfigError{Field: "server.users", Value: len(s.Users), Message: "at least one user is required"})
	}
	for i, u := range s.Users {
		if u.Name == "" || u.Key == "" {
			errs = append(errs, &ConfigError{Field: fmt.Sprintf("server.users[%d]", i), Value: u.Name, Message: "user and key are required"})
		}
	}
	if (s.PublicKeyPath == "") != (s.PrivateKeyPath == "") {
		errs = append(errs, &ConfigError{Field: "server.public_key_path", Value: s.PublicKeyPath, Message: "public and private key paths must be set together"})
	}
	if s.ConnectTimeout <= 0 {
		errs = append(errs, &ConfigError{Field: "server.connect_timeout", Value: s.ConnectTimeout, Message: "connect timeout must be positive"})
	}
	if s.STUNServer != "" && !strings.Contains(s.STUNServer, ":") {
		errs = append(errs, &ConfigError{Field: "server.stun_server", Value: s.STUNServer, Message: "STUN server must be in format host:port"})
	}
	return errs
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
