package main

import (
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dan-v/geotunnel/internal/config"
	"github.com/dan-v/geotunnel/internal/metrics"
	"github.com/dan-v/geotunnel/internal/server"
	"github.com/dan-v/geotunnel/pkg/shared"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the tunnel server",
		Long: `Start the tunnel server.

The server accepts authenticated websocket tunnels on server.port (and QUIC
tunnels on server.quic_port when set), dials each requested destination and
relays it. Unauthenticated requests get a plain 404 page.`,
		RunE: runServer,
	}
	cmd.Flags().IntP("port", "p", 0, "tunnel listen port")
	cmd.Flags().Int("quic-port", 0, "QUIC listen port (0 disables QUIC)")
	cmd.Flags().String("stun-server", "", "STUN server used to discover the public address")
	cmd.Flags().Bool("no-metrics", false, "disable the metrics endpoint")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("quic-port") {
		cfg.Server.QUICPort, _ = f.GetInt("quic-port")
	}
	if f.Changed("stun-server") {
		cfg.Server.STUNServer, _ = f.GetString("stun-server")
	}
	if noMetrics, _ := f.GetBool("no-metrics"); noMetrics {
		cfg.Metrics.Enabled = false
	}
	if err := reportValidation(cmd, config.ValidateServer(cfg)); err != nil {
		return err
	}

	closer, err := initLogging(cfg, "geotunnel-server")
	if err != nil {
		return err
	}
	defer closer.Close()
	logger := shared.GetLogger()

	srv, err := server.New(cfg.ServerSettings(), nil, nil)
	if err != nil {
		return shared.NewProxyError(shared.ErrorConfig, "server", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Metrics.Enabled {
		addr := net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Metrics.Port))
		go func() {
			if err := metrics.StartMetricsServer(ctx, addr, nil); err != nil {
				logger.Warn("metrics server stopped", "addr", addr, "error", err)
			}
		}()
	}

	shared.LogInfof("Serving %d user(s)", len(cfg.Server.Users))
	if err := srv.Run(ctx); err != nil {
		return err
	}
	shared.LogInfof("Shutting down")
	return nil
}
