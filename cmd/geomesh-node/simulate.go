package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/geomesh/kernel/core/mesh"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/transport"
	"github.com/nmxmxh/geomesh/kernel/utils"
)

type simulateOptions struct {
	nodes       int
	duration    time.Duration
	reportEvery time.Duration
	churnEvery  time.Duration
	spreadKm    float64
	center      common.GeoPoint
	devices     []string
	seed        uint64
}

func newSimulateCommand(root *rootFlags) *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a mesh of in-process nodes over an in-memory hub",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.nodes < 2 {
				return fmt.Errorf("--nodes must be at least 2, got %d", opts.nodes)
			}
			v, err := newViper()
			if err != nil {
				return err
			}
			base, err := loadConfig(v, root.configPath)
			if err != nil {
				return err
			}
			logger, err := root.logger("simulate")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return simulate(ctx, base, opts, logger)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.nodes, "nodes", "n", 8, "number of simulated nodes")
	f.DurationVar(&opts.duration, "duration", 2*time.Minute, "stop after this long; zero runs until interrupted")
	f.DurationVar(&opts.reportEvery, "report-every", 10*time.Second, "convergence report interval")
	f.DurationVar(&opts.churnEvery, "churn-every", 0, "toggle a random node's reachability at this interval; zero disables churn")
	f.Float64Var(&opts.spreadKm, "spread-km", 50, "nodes are placed within this distance of the centre")
	f.Float64Var(&opts.center.Latitude, "lat", 6.5244, "centre latitude")
	f.Float64Var(&opts.center.Longitude, "lon", 3.3792, "centre longitude")
	f.StringSliceVar(&opts.devices, "devices", []string{"desktop", "high", "mid", "low"}, "device presets assigned round-robin")
	f.Uint64Var(&opts.seed, "seed", 1, "placement and churn seed")
	return cmd
}

type simNode struct {
	node *mesh.Node
	tr   *transport.MemoryTransport
}

func simulate(ctx context.Context, base mesh.Config, opts simulateOptions, logger *zap.Logger) error {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	hub := transport.NewHub(0)
	shutdown := utils.NewGracefulShutdown(shutdownTimeout, logger)

	nodes := make([]simNode, 0, opts.nodes)
	for i := range opts.nodes {
		id := utils.SimNodeID(i)
		tr, err := hub.Join(id)
		if err != nil {
			return err
		}
		shutdown.Register(id, tr.Close)

		cfg := base
		cfg.NodeID = id
		cfg.Device = opts.devices[i%len(opts.devices)]
		cfg.Network = ""
		pos := scatter(rng, opts.center, opts.spreadKm)
		cfg.Position = &pos

		node, err := mesh.NewNode(cfg, tr, mesh.Options{Logger: logger.With(zap.String("sim", utils.ShortID(id)))})
		if err != nil {
			_ = shutdown.Shutdown(context.Background())
			return fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, simNode{node: node, tr: tr})
	}
	logger.Info("Simulation started", zap.Int("nodes", len(nodes)), zap.Duration("duration", opts.duration))

	g, gctx := errgroup.WithContext(ctx)
	for _, sn := range nodes {
		g.Go(func() error { return sn.node.Run(gctx) })
	}
	g.Go(func() error { return reportLoop(gctx, nodes, opts.reportEvery, logger) })
	if opts.churnEvery > 0 {
		g.Go(func() error { return churnLoop(gctx, hub, nodes, opts.churnEvery, rng, logger) })
	}

	err := g.Wait()
	logSummary(nodes, logger)
	if shutdownErr := shutdown.Shutdown(context.Background()); err == nil {
		err = shutdownErr
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// scatter places a point uniformly within radiusKm of centre.
func scatter(rng *rand.Rand, centre common.GeoPoint, radiusKm float64) common.GeoPoint {
	const kmPerDegree = 111.32
	dist := radiusKm * rng.Float64()
	bearing := 2 * math.Pi * rng.Float64()
	dLat := dist * math.Cos(bearing) / kmPerDegree
	dLon := dist * math.Sin(bearing) / kmPerDegree
	p := common.GeoPoint{Latitude: centre.Latitude + dLat, Longitude: centre.Longitude + dLon}
	p.Latitude = min(max(p.Latitude, -90), 90)
	p.Longitude = min(max(p.Longitude, -180), 180)
	return p
}

func reportLoop(ctx context.Context, nodes []simNode, every time.Duration, logger *zap.Logger) error {
	if every <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			minScore, mean := convergence(nodes)
			logger.Info("Convergence",
				zap.Float64("mean", mean),
				zap.Float64("min", minScore))
		}
	}
}

func churnLoop(ctx context.Context, hub *transport.Hub, nodes []simNode, every time.Duration, rng *rand.Rand, logger *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	down := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			id := nodes[rng.IntN(len(nodes))].node.ID()
			down[id] = !down[id]
			hub.SetReachable(id, !down[id])
			logger.Info("Churn", zap.String("node", utils.ShortID(id)), zap.Bool("reachable", !down[id]))
		}
	}
}

func convergence(nodes []simNode) (minScore, mean float64) {
	minScore = 1
	for _, sn := range nodes {
		s := sn.node.ConvergenceScore()
		mean += s
		minScore = min(minScore, s)
	}
	return minScore, mean / float64(len(nodes))
}

func logSummary(nodes []simNode, logger *zap.Logger) {
	var total common.TickCounters
	for _, sn := range nodes {
		c := sn.node.Counters()
		total.Ticks += c.Ticks
		total.SparseSent += c.SparseSent
		total.SparseReceived += c.SparseReceived
		total.DenseSent += c.DenseSent
		total.DenseReceived += c.DenseReceived
		total.Rejected += c.Rejected
		total.BudgetDenied += c.BudgetDenied
		total.SendFailures += c.SendFailures
	}
	minScore, mean := convergence(nodes)
	logger.Info("Simulation finished",
		zap.Uint64("ticks", total.Ticks),
		zap.Uint64("sparse_sent", total.SparseSent),
		zap.Uint64("sparse_received", total.SparseReceived),
		zap.Uint64("dense_sent", total.DenseSent),
		zap.Uint64("dense_received", total.DenseReceived),
		zap.Uint64("rejected", total.Rejected),
		zap.Uint64("budget_denied", total.BudgetDenied),
		zap.Uint64("send_failures", total.SendFailures),
		zap.Float64("convergence_mean", mean),
		zap.Float64("convergence_min", minScore))
}
