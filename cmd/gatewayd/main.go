// Command gatewayd runs the HTTP edge gateway: route matching, load
// balancing, circuit breaking, middleware and the optional WebSocket
// tunnel server, all driven by a single TOML configuration file (spec §6).
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/nehoraim/edgegw/internal/config"
	"github.com/nehoraim/edgegw/internal/gateway"
	"github.com/nehoraim/edgegw/internal/logging"
	"github.com/nehoraim/edgegw/internal/tunnel"
)

var (
	flagDirectory string
	flagPort      int
	flagConfig    string
)

func main() {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Run the HTTP edge gateway",
		RunE:  run,
	}

	root.Flags().StringVarP(&flagDirectory, "directory", "d", "", "static file directory (overrides config)")
	root.Flags().IntVarP(&flagPort, "port", "p", 0, "listen port (overrides config)")
	root.Flags().StringVarP(&flagConfig, "config", "c", "gateway.toml", "path to TOML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	if config.FileExists(flagConfig) {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	} else {
		defaults := config.Default()
		cfg = &defaults
	}

	if flagDirectory != "" {
		cfg.StaticConfig.Directory = flagDirectory
	}
	if flagPort != 0 {
		cfg.Server.DefaultPort = flagPort
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	if cfg.Tunnel.Enabled && cfg.Tunnel.Server != nil {
		tunnelServer := tunnel.NewServer(cfg.Tunnel.Server, cfg.Tunnel.Auth, logger)
		if err := tunnelServer.Init(); err != nil {
			return fmt.Errorf("failed to initialize tunnel server: %w", err)
		}
		gw.AttachTunnelServer(tunnelServer)

		go func() {
			controlAddr := fmt.Sprintf(":%d", cfg.Tunnel.Server.ControlPort)
			logger.WithField("addr", controlAddr).Info("starting tunnel control listener")
			if err := serveTunnelControl(controlAddr, tunnelServer); err != nil {
				logger.WithError(err).Error("tunnel control listener stopped")
			}
		}()

		if cfg.Tunnel.Server.PublicPort != 0 {
			go func() {
				sslAddr := fmt.Sprintf(":%d", cfg.Tunnel.Server.PublicPort)
				logger.WithField("addr", sslAddr).Info("starting tunnel ssl passthrough listener")
				if err := tunnelServer.ListenAndServeSSL(sslAddr); err != nil {
					logger.WithError(err).Error("tunnel ssl passthrough listener stopped")
				}
			}()
		}
	}

	srv := gateway.NewHTTPServer(&cfg.Server, gw, logger)
	logger.WithField("addr", srv.Addr).Info("starting gateway listener")

	if err := gateway.Serve(srv, cfg.Server.SSL); err != nil {
		return fmt.Errorf("gateway listener stopped: %w", err)
	}
	return nil
}

func serveTunnelControl(addr string, t *tunnel.Server) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/connect", t.ServeControl)
	return http.ListenAndServe(addr, mux)
}
