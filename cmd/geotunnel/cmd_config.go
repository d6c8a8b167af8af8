package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dan-v/geotunnel/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long: `Manage geotunnel configuration files.

Configuration is loaded from multiple sources in order of precedence:
1. Command line flags
2. Environment variables (GEOTUNNEL_<SECTION>_<KEY>)
3. Configuration file
4. Default values

The configuration file is searched in:
- Current directory (geotunnel.yaml)
- ~/.config/geotunnel/geotunnel.yaml (XDG config home)
- /etc/geotunnel/geotunnel.yaml (system-wide)`,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		Long: `Create a new configuration file with default values, placeholder
credentials and a few example routing rules.`,
		RunE: runConfigInit,
	}
	initCmd.Flags().StringP("output", "o", "", "Output file path (defaults to XDG config directory)")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long: `Display the merged configuration from defaults, the config file and
environment variables.`,
		RunE: runConfigShow,
	}
	showCmd.Flags().String("format", "yaml", "Output format (yaml, json)")

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	outputPath, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if outputPath == "" {
		outputPath = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(outputPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", outputPath)
	}
	if err := config.WriteExampleConfig(outputPath); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration file created: %s\n", outputPath)
	fmt.Fprintln(out, "Edit client.server_url, the credentials and the routing rules before use.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	configPath, _ := cmd.Flags().GetString("config")

	format, _ := cmd.Flags().GetString("format")
	switch format {
	case "yaml":
		fmt.Fprintf(out, "# Configuration loaded from: %s\n\n", configSource(configPath))
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// configSource returns a user-friendly description of where config is loaded from
func configSource(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if foundPath, err := config.FindConfigFile(); err == nil {
		return foundPath
	}
	return "defaults (no config file found)"
}
