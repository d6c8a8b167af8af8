package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dan-v/geotunnel/internal/config"
	"github.com/dan-v/geotunnel/pkg/shared"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "geotunnel",
		Short: "A rule-routed SOCKS5/HTTP proxy over websocket or QUIC tunnels",
		Long: `geotunnel runs a local SOCKS5 and HTTP proxy that routes every destination
by geosite and GeoIP rules: direct, blocked, or through an authenticated
websocket or QUIC tunnel to a geotunnel server, which reuses pooled
tunnels across connections.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(
		newVersionCmd(),
		newClientCmd(),
		newServerCmd(),
		newGeositeCmd(),
		newConfigCmd(),
		newStatusCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "geotunnel %s\n", version)
		},
	}
}

// loadConfig reads the configuration named by --config and applies the
// persistent logging flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, _, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, shared.NewProxyError(shared.ErrorConfig, "load configuration", err)
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

// initLogging installs the configured slog handler.
func initLogging(cfg *config.Config, service string) (io.Closer, error) {
	lc, err := cfg.LogSettings(service)
	if err != nil {
		return nil, shared.NewProxyError(shared.ErrorConfig, "logging", err)
	}
	return shared.InitLogger(lc)
}

// reportValidation prints every validation error and fails if there were any.
func reportValidation(cmd *cobra.Command, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	w := cmd.ErrOrStderr()
	fmt.Fprintf(w, "Configuration validation errors:\n")
	for _, err := range errs {
		fmt.Fprintf(w, "  - %s\n", err.Error())
	}
	return shared.NewProxyError(shared.ErrorConfig, "validate", fmt.Errorf("configuration validation failed"))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
