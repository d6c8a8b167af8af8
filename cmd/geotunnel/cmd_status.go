package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/dan-v/geotunnel/internal/dashboard"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running client",
		Long: `Query a running client's status API and print its live connections,
pool state and counters.`,
		RunE: runStatus,
	}
	cmd.Flags().String("url", "", "status endpoint base url (defaults to the configured metrics port)")
	cmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	base, _ := cmd.Flags().GetString("url")
	if base == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		base = "http://" + net.JoinHostPort(cfg.Client.Address, strconv.Itoa(cfg.Metrics.Port))
	}

	st, err := dashboard.FetchStatus(context.Background(), strings.TrimSuffix(base, "/"))
	if err != nil {
		return fmt.Errorf("client not reachable: %w", err)
	}
	format, _ := cmd.Flags().GetString("format")
	return outputStatus(cmd.OutOrStdout(), st, format)
}

func outputStatus(w io.Writer, st *dashboard.Status, format string) error {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Fprintln(w, string(data))
	case "yaml":
		data, err := yaml.Marshal(st)
		if err != nil {
			return fmt.Errorf("failed to marshal YAML: %w", err)
		}
		fmt.Fprint(w, string(data))
	case "table":
		return outputStatusTable(w, st)
	default:
		return fmt.Errorf("unsupported format: %s (use table, json, or yaml)", format)
	}
	return nil
}

func outputStatusTable(w io.Writer, st *dashboard.Status) error {
	m := st.Metrics
	fmt.Fprintf(w, "\n🌐 geotunnel client status\n")
	fmt.Fprintf(w, "=========================\n\n")
	fmt.Fprintf(w, "Uptime:       %s\n", (time.Duration(m.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "Updated:      %s\n\n", st.Timestamp.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(w, "🔌 Connections\n")
	fmt.Fprintf(w, "--------------\n")
	fmt.Fprintf(w, "Active:       %d\n", st.ActiveConnections)
	fmt.Fprintf(w, "Total:        %d (%d failed)\n", m.ConnectionsTotal, m.ConnectionsFailed)
	fmt.Fprintf(w, "Routes:       proxy %d, direct %d, block %d\n", m.RouteProxy, m.RouteDirect, m.RouteBlock)
	fmt.Fprintf(w, "Traffic:      %s sent, %s received\n\n", formatBytes(m.BytesSent), formatBytes(m.BytesReceived))

	fmt.Fprintf(w, "♻️  Tunnel pool\n")
	fmt.Fprintf(w, "--------------\n")
	fmt.Fprintf(w, "Idle:         %d\n", st.PoolIdle)
	fmt.Fprintf(w, "Hits/Misses:  %d/%d\n", m.PoolHits, m.PoolMisses)
	fmt.Fprintf(w, "Evictions:    %d, probe failures %d\n", m.PoolEvictions, m.ProbeFailures)
	if m.ProbeRTTMs > 0 {
		fmt.Fprintf(w, "Probe RTT:    %.1f ms\n", m.ProbeRTTMs)
	}
	fmt.Fprintln(w)

	if len(st.Connections) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tDESTINATION\tROUTE\tSTATE\tIN\tOUT\tAGE")
	for _, c := range st.Connections {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ClientAddr, c.Destination, c.Route, c.State,
			formatBytes(c.BytesIn), formatBytes(c.BytesOut),
			st.Timestamp.Sub(c.StartTime).Round(time.Second))
	}
	return tw.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
