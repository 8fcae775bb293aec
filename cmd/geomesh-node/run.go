package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/geomesh/kernel/core/mesh"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/transport"
	"github.com/nmxmxh/geomesh/kernel/utils"
)

const shutdownTimeout = 15 * time.Second

func newRunCommand(root *rootFlags) *cobra.Command {
	var (
		metricsAddr string
		lat, lon    float64
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one node over libp2p",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := newViper()
			if err != nil {
				return err
			}
			for key, flag := range map[string]string{
				"device":               "device",
				"network":              "network",
				"libp2p.listen_addrs":  "listen",
				"libp2p.bootstrap":     "bootstrap",
				"libp2p.identity_path": "identity",
			} {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(v, root.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				p := common.GeoPoint{Latitude: lat, Longitude: lon}
				if !p.Valid() {
					return errors.New("--lat/--lon out of range")
				}
				cfg.Position = &p
			}

			logger, err := root.logger("geomesh")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, metricsAddr, logger)
		},
	}
	// Unchanged flags still win over config defaults in viper, so they must
	// carry the same defaults.
	defaults := mesh.DefaultConfig()
	f := cmd.Flags()
	f.String("device", defaults.Device, "device class preset: desktop, high, mid or low")
	f.String("network", defaults.Network, "network class: wifi, 5g, 4g or unknown")
	f.StringSlice("listen", defaults.Libp2p.ListenAddrs, "libp2p listen multiaddrs")
	f.StringSlice("bootstrap", defaults.Libp2p.Bootstrap, "bootstrap peer multiaddrs including /p2p/<id>")
	f.String("identity", defaults.Libp2p.IdentityPath, "identity key file; empty uses an ephemeral key")
	f.Float64Var(&lat, "lat", 0, "node latitude")
	f.Float64Var(&lon, "lon", 0, "node longitude")
	f.StringVar(&metricsAddr, "metrics-addr", ":9101", "prometheus listen address; empty disables it")
	return cmd
}

func runNode(ctx context.Context, cfg mesh.Config, metricsAddr string, logger *zap.Logger) error {
	shutdown := utils.NewGracefulShutdown(shutdownTimeout, logger)

	tr, err := transport.NewLibp2pTransport(ctx, cfg.Libp2p, logger)
	if err != nil {
		return err
	}
	shutdown.Register("transport", tr.Close)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node, err := mesh.NewNode(cfg, tr, mesh.Options{Registerer: reg, Logger: logger})
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}
	logger.Info("Node listening", zap.String("peer_id", tr.LocalID()), zap.Strings("addrs", tr.Addrs()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Run(gctx) })

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		shutdown.Register("metrics", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
		g.Go(func() error {
			logger.Info("Serving metrics", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	<-gctx.Done()
	shutdownErr := shutdown.Shutdown(context.Background())
	if err := g.Wait(); err != nil {
		return err
	}
	return shutdownErr
}
