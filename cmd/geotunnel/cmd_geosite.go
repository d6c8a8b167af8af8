package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dan-v/geotunnel/internal/config"
	"github.com/dan-v/geotunnel/internal/routing"
	"github.com/dan-v/geotunnel/pkg/shared"
)

func newGeositeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "geosite",
		Short: "Build and inspect geosite rule databases",
	}

	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Compile a directory of rule lists into geosite.pak",
		Long: `Compile every file in the input directory into one geosite database.

Each file is a rule list named after the file. Lines take the form
[domain:|keyword:|regexp:|full:|include:]value[@attr][@!attr]; '#' starts a
comment. include: pulls in another file, optionally filtered by attributes.`,
		RunE: runGeositeBuild,
	}
	buildCmd.Flags().StringP("input", "i", "./geo_data_src", "directory of rule list files")
	buildCmd.Flags().StringP("output", "o", "", "output file (defaults to <data_dir>/geosite.pak)")

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the files and rule counts of a geosite database",
		RunE:  runGeositeInspect,
	}
	inspectCmd.Flags().StringP("file", "f", "", "database path (defaults to <data_dir>/geosite.pak)")
	inspectCmd.Flags().StringP("list", "l", "", "print the rules of one file")

	cmd.AddCommand(buildCmd, inspectCmd)
	return cmd
}

// defaultPakPath is the configured geosite.pak location.
func defaultPakPath(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Routing.DataDir == "" {
		cfg.Routing.DataDir = config.DefaultDataDir()
	}
	return filepath.Join(cfg.Routing.DataDir, cfg.Routing.GeoSiteFile), nil
}

func runGeositeBuild(cmd *cobra.Command, args []string) error {
	input, _ := cmd.Flags().GetString("input")
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		var err error
		if output, err = defaultPakPath(cmd); err != nil {
			return err
		}
	}

	sources, err := routing.LoadSourceDir(input)
	if err != nil {
		return fmt.Errorf("failed to read rule lists: %w", err)
	}
	site, err := routing.Compile(sources)
	if err != nil {
		return fmt.Errorf("failed to compile rule lists: %w", err)
	}
	if err := routing.SavePak(output, site); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s Compiled %d files (%d unique rules) into %s\n", "✅", len(site.Files), len(site.Rules), output)
	shared.GetLogger().Debug("geosite built", "input", input, "output", output)
	return nil
}

func runGeositeInspect(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		var err error
		if path, err = defaultPakPath(cmd); err != nil {
			return err
		}
	}
	site, err := routing.LoadPak(path)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	out := cmd.OutOrStdout()
	if name, _ := cmd.Flags().GetString("list"); name != "" {
		rules, ok := site.Lookup(name, nil)
		if !ok {
			return fmt.Errorf("%w: %s", routing.ErrGeoSiteNotFound, name)
		}
		for _, r := range rules {
			fmt.Fprintln(out, r.String())
		}
		return nil
	}

	fmt.Fprintf(out, "%s: %d files, %d unique rules\n\n", path, len(site.Files), len(site.Rules))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tRULES")
	for _, name := range site.FileNames() {
		fmt.Fprintf(tw, "%s\t%d\n", name, site.Files[name].Len())
	}
	return tw.Flush()
}
