package config

import (
	"time"

	"github.com/dan-v/geotunnel/internal/auth"
	"github.com/dan-v/geotunnel/internal/routing"
)

// Config is the complete geotunnel configuration. The client and server
// commands each read the sections they need.
type Config struct {
	Client  ClientConfig   `yaml:"client" json:"client" mapstructure:"client"`
	Server  ServerConfig   `yaml:"server" json:"server" mapstructure:"server"`
	Routing routing.Config `yaml:"routing" json:"routing" mapstructure:"routing"`
	Logging LoggingConfig  `yaml:"logging" json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig  `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// ClientConfig holds the local proxy settings and how to reach the server.
type ClientConfig struct {
	Address  string `yaml:"address" json:"address" mapstructure:"address"`
	Port     int    `yaml:"port" json:"port" mapstructure:"port"`
	HTTPPort int    `yaml:"http_port" json:"http_port" mapstructure:"http_port"`

	ServerURL string `yaml:"server_url" json:"server_url" mapstructure:"server_url"`
	Transport string `yaml:"transport" json:"transport" mapstructure:"transport"`
	ServerIP  string `yaml:"server_ip" json:"server_ip" mapstructure:"server_ip"`
	Insecure  bool   `yaml:"insecure" json:"insecure" mapstructure:"insecure"`
	User      string `yaml:"user" json:"user" mapstructure:"user"`
	Key       string `yaml:"key" json:"key" mapstructure:"key"`

	ExtraHTTPHeaders map[string]string `yaml:"extra_http_headers" json:"extra_http_headers" mapstructure:"extra_http_headers"`

	MaxIdleConns     int           `yaml:"max_idle_conns" json:"max_idle_conns" mapstructure:"max_idle_conns"`
	PoolScanInterval time.Duration `yaml:"pool_scan_interval" json:"pool_scan_interval" mapstructure:"pool_scan_interval"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout" mapstructure:"probe_timeout"`
	HTTPForward      bool          `yaml:"http_forward" json:"http_forward" mapstructure:"http_forward"`
}

// ServerConfig holds the tunnel endpoint settings.
type ServerConfig struct {
	Address        string        `yaml:"address" json:"address" mapstructure:"address"`
	Port           int           `yaml:"port" json:"port" mapstructure:"port"`
	Path           string        `yaml:"path" json:"path" mapstructure:"path"`
	UseSSL         bool          `yaml:"use_ssl" json:"use_ssl" mapstructure:"use_ssl"`
	PublicKeyPath  string        `yaml:"public_key_path" json:"public_key_path" mapstructure:"public_key_path"`
	PrivateKeyPath string        `yaml:"private_key_path" json:"private_key_path" mapstructure:"private_key_path"`
	Users          []auth.User   `yaml:"users" json:"users" mapstructure:"users"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" mapstructure:"connect_timeout"`
	QUICPort       int           `yaml:"quic_port" json:"quic_port" mapstructure:"quic_port"`
	STUNServer     string        `yaml:"stun_server" json:"stun_server" mapstructure:"stun_server"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" mapstructure:"level"`
	Format string `yaml:"format" json:"format" mapstructure:"format"`
	Output string `yaml:"output" json:"output" mapstructure:"output"`
}

// MetricsConfig controls the metrics and status HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" json:"port" mapstructure:"port"`
}
