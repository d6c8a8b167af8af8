package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dan-v/geotunnel/internal/auth"
	"github.com/dan-v/geotunnel/internal/routing"
)

const (
	appName   = "geotunnel"
	envPrefix = "GEOTUNNEL"
)

// LoadConfig layers defaults, the config file and GEOTUNNEL_* environment
// variables, in that order. An empty path searches the standard
// locations; a missing file there is not an error.
func LoadConfig(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Seeding viper with the encoded defaults makes every key known, so
	// AutomaticEnv can override nested values such as GEOTUNNEL_CLIENT_PORT.
	base, err := Marshal(DefaultConfig())
	if err != nil {
		return nil, nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, nil, fmt.Errorf("error reading defaults: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("routing.remote_data_url")
	v.BindEnv("logging.level", envPrefix+"_LOG_LEVEL")

	if configPath == "" {
		if found, err := FindConfigFile(); err == nil {
			configPath = found
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, v, nil
}

// Marshal encodes cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ExampleConfig is DefaultConfig with placeholder credentials and a couple
// of routing rules filled in.
func ExampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Client.ServerURL = "wss://tunnel.example.com/"
	cfg.Client.User = "alice"
	cfg.Client.Key = "change-me"
	cfg.Server.Users = []auth.User{{Name: "alice", Key: "change-me"}}
	cfg.Routing.DomainRules = []routing.RuleConfig{
		{Action: routing.ActionBlock, Selection: []string{"geosite:category-ads-all"}},
		{Action: routing.ActionDirect, Selection: []string{"geosite:cn"}},
	}
	cfg.Routing.IPRules = []routing.RuleConfig{
		{Action: routing.ActionDirect, Selection: []string{"geoip:private", "geoip:cn"}},
	}
	return cfg
}

const exampleHeader = `# geotunnel configuration
#
# Every value can be overridden with an environment variable named after its
# key, e.g. GEOTUNNEL_CLIENT_SERVER_URL or GEOTUNNEL_SERVER_PORT.
# Route actions are direct, proxy or block. Domain selectors take the form
# [domain|keyword|regexp|full|geosite:]value, IP selectors cidr or geoip:CODE.

`

// WriteExampleConfig creates an example configuration file
func WriteExampleConfig(filePath string) error {
	body, err := Marshal(ExampleConfig())
	if err != nil {
		return err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(filePath, append([]byte(exampleHeader), body...), 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filePath, err)
	}
	return nil
}

func searchPaths() []string {
	dirs := []string{".", filepath.Join(xdg.ConfigHome, appName)}
	for _, dir := range xdg.ConfigDirs {
		dirs = append(dirs, filepath.Join(dir, appName))
	}
	dirs = append(dirs, filepath.Join("/etc", appName))

	var paths []string
	for _, dir := range dirs {
		paths = append(paths,
			filepath.Join(dir, appName+".yaml"),
			filepath.Join(dir, appName+".yml"),
		)
	}
	return paths
}

// FindConfigFile searches for a config file in XDG-compliant locations
func FindConfigFile() (string, error) {
	for _, path := range searchPaths() {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found in standard locations")
}

// GetDefaultConfigPath returns the default path for creating a new config file
func GetDefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, appName+".yaml")
}
