// Package config loads the geotunnel YAML configuration and converts its
// sections into the settings each component takes.
package config

import (
	"fmt"

	"github.com/dan-v/geotunnel/internal/auth"
	"github.com/dan-v/geotunnel/internal/client"
	"github.com/dan-v/geotunnel/internal/pool"
	"github.com/dan-v/geotunnel/internal/server"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// ClientSettings is the local proxy half of the client section.
func (c *Config) ClientSettings() client.Config {
	cc := c.Client
	return client.Config{
		Address:     cc.Address,
		Port:        cc.Port,
		HTTPPort:    cc.HTTPPort,
		HTTPForward: cc.HTTPForward,
		Pool: pool.Config{
			MaxIdle:      cc.MaxIdleConns,
			ScanInterval: cc.PoolScanInterval,
			ProbeTimeout: cc.ProbeTimeout,
		},
	}
}

// DialSettings is the tunnel half of the client section.
func (c *Config) DialSettings() tunnel.DialConfig {
	cc := c.Client
	return tunnel.DialConfig{
		ServerURL:        cc.ServerURL,
		Transport:        cc.Transport,
		ServerIP:         cc.ServerIP,
		Insecure:         cc.Insecure,
		User:             auth.User{Name: cc.User, Key: cc.Key},
		Headers:          cc.ExtraHTTPHeaders,
		HandshakeTimeout: shared.TunnelHandshakeTimeout,
	}
}

// ServerSettings converts the server section.
func (c *Config) ServerSettings() server.Config {
	s := c.Server
	return server.Config{
		Address:        s.Address,
		Port:           s.Port,
		Path:           s.Path,
		UseSSL:         s.UseSSL,
		PublicKeyPath:  s.PublicKeyPath,
		PrivateKeyPath: s.PrivateKeyPath,
		Users:          s.Users,
		ConnectTimeout: s.ConnectTimeout,
		QUICPort:       s.QUICPort,
		STUNServer:     s.STUNServer,
	}
}

// LogSettings converts the logging section.
func (c *Config) LogSettings(service string) (*shared.LogConfig, error) {
	level, err := shared.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	lc := shared.DefaultLogConfig()
	lc.Level = level
	lc.ServiceName = service
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	return lc, nil
}
