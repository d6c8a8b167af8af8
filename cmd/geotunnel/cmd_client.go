package main

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dan-v/geotunnel/internal/client"
	"github.com/dan-v/geotunnel/internal/config"
	"github.com/dan-v/geotunnel/internal/dashboard"
	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/internal/routing"
	"github.com/dan-v/geotunnel/internal/s3"
	"github.com/dan-v/geotunnel/internal/tunnel"
	"github.com/dan-v/geotunnel/pkg/shared"
)

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Start the local SOCKS5/HTTP proxy",
		Long: `Start the local proxy.

The client:
- checks that it can authenticate a tunnel to client.server_url
- loads geosite.pak and the GeoIP database from routing.data_dir,
  downloading them first when routing.remote_data_url is set
- accepts SOCKS5 and HTTP proxy connections on client.port
- serves metrics and the status API on metrics.port

It runs until stopped with Ctrl+C.`,
		RunE: runClient,
	}
	cmd.Flags().IntP("port", "p", 0, "local proxy port")
	cmd.Flags().Int("http-port", 0, "additional HTTP-only proxy port")
	cmd.Flags().String("server-url", "", "tunnel server url (ws://, wss:// or quic://)")
	cmd.Flags().String("transport", "", "tunnel transport (websocket, quic)")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	cmd.Flags().Bool("http-forward", false, "forward plain HTTP requests instead of rejecting them")
	cmd.Flags().Bool("no-metrics", false, "disable the metrics and status endpoint")
	return cmd
}

func applyClientFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Client.Port, _ = f.GetInt("port")
	}
	if f.Changed("http-port") {
		cfg.Client.HTTPPort, _ = f.GetInt("http-port")
	}
	if f.Changed("server-url") {
		cfg.Client.ServerURL, _ = f.GetString("server-url")
	}
	if f.Changed("transport") {
		cfg.Client.Transport, _ = f.GetString("transport")
	}
	if f.Changed("insecure") {
		cfg.Client.Insecure, _ = f.GetBool("insecure")
	}
	if f.Changed("http-forward") {
		cfg.Client.HTTPForward, _ = f.GetBool("http-forward")
	}
	if noMetrics, _ := f.GetBool("no-metrics"); noMetrics {
		cfg.Metrics.Enabled = false
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyClientFlags(cmd, cfg)
	if err := reportValidation(cmd, config.ValidateClient(cfg)); err != nil {
		return err
	}
	closer, err := initLogging(cfg, "geotunnel-client")
	if err != nil {
		return err
	}
	defer closer.Close()
	logger := shared.GetLogger()

	ctx, cancel := signalContext()
	defer cancel()

	engine, err := loadRouting(ctx, cfg.Routing)
	if err != nil {
		return err
	}
	defer engine.Close()

	dialer, err := tunnel.NewDialer(cfg.DialSettings())
	if err != nil {
		return shared.NewProxyError(shared.ErrorConfig, "tunnel dialer", err)
	}

	tracker := dashboard.NewConnectionTracker()
	c := client.New(cfg.ClientSettings(), engine, dialer, tracker, nil)

	if cfg.Metrics.Enabled {
		dash := dashboard.NewDashboardServer(tracker, c.IdleSessions)
		dash.Start(ctx)
		mux := http.NewServeMux()
		metrics.RegisterHandlers(mux)
		dash.Register(mux)
		addr := net.JoinHostPort(cfg.Client.Address, strconv.Itoa(cfg.Metrics.Port))
		go func() {
			if err := metrics.StartMetricsServer(ctx, addr, mux); err != nil {
				logger.Warn("metrics server stopped", "addr", addr, "error", err)
			}
		}()
	}

	shared.LogInfof("Connecting to %s over %s", cfg.Client.ServerURL, transportName(cfg.Client.Transport))
	if err := c.Run(ctx); err != nil {
		return err
	}
	shared.LogInfof("Shutting down")
	return nil
}

// loadRouting refreshes the rule databases from remote storage when
// configured, then builds the engine. A failed download falls back to
// whatever is already on disk.
func loadRouting(ctx context.Context, rc routing.Config) (*routing.Engine, error) {
	if rc.RemoteDataURL != "" {
		shared.LogProgressf("Syncing rule data from %s", rc.RemoteDataURL)
		if _, err := s3.Download(ctx, rc.RemoteDataURL, rc.DataDir, rc.GeoSiteFile, rc.GeoIPFile); err != nil {
			shared.LogWarningf("Rule data sync failed, using local copies: %v", err)
		}
	}
	engine, err := routing.Load(rc, nil)
	if err != nil {
		return nil, shared.NewProxyError(shared.ErrorConfig, "routing", err)
	}
	return engine, nil
}

func transportName(t string) string {
	if t == "" {
		return tunnel.TransportWebSocket
	}
	return t
}
