package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/optimization"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/routing"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/training"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/transport"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/wire"
	"github.com/nmxmxh/geomesh/kernel/utils"
)

// State is the phase of the tick cycle. Inbound handling runs concurrently
// and is not a state.
type State int32

const (
	StateIdle State = iota
	StateTraining
	StateSelecting
	StateScheduling
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateSelecting:
		return "selecting"
	case StateScheduling:
		return "scheduling"
	case StatePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Options carries the node's collaborators. Zero values get defaults.
type Options struct {
	Clock      clockwork.Clock
	Sensors    optimization.Sensors
	Sealer     common.Sealer
	Registerer prometheus.Registerer
	Logger     *zap.Logger
}

// TickReport summarises one tick.
type TickReport struct {
	Tick         uint64
	Paused       bool
	SparseSize   int
	Targets      int
	SparseSent   int
	DenseSent    int
	ProbesSent   int
	BudgetDenied int
	Requeued     bool
	Err          error // NO_REACHABLE_PEERS when the node had nobody to publish to
}

// Node is the sync loop: it trains locally, publishes top-K updates to its
// best-ranked neighbours within the bandwidth budget and merges whatever its
// peers send back.
type Node struct {
	id        string
	cfg       Config
	clock     clockwork.Clock
	transport common.Transport
	sealer    common.Sealer
	sensors   optimization.Sensors
	codec     *wire.Codec

	engine    *training.Engine
	topology  *routing.TopologyManager
	bandwidth *routing.BandwidthScheduler
	inbound   *routing.InboundGuard
	breakers  *transport.BreakerSet
	metrics   *Metrics

	profileMu sync.RWMutex
	profile   optimization.DeviceProfile

	state       atomic.Int32
	ticks       atomic.Uint64
	probeCursor atomic.Uint64

	countersMu sync.Mutex
	counters   common.TickCounters

	// Peers owed a dense snapshot since discovery.
	denseMu      sync.Mutex
	pendingDense map[string]struct{}

	logger *zap.Logger
}

// NewNode wires the engine, topology, bandwidth and inbound components over
// the given transport. The device profile sizes the model when
// cfg.Training.Dim is zero.
func NewNode(cfg Config, tr common.Transport, opts Options) (*Node, error) {
	if tr == nil {
		return nil, errors.New("transport is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sealer == nil {
		opts.Sealer = common.PlainSealer{}
	}
	if opts.Sensors == nil {
		facts, err := cfg.Facts()
		if err != nil {
			return nil, err
		}
		opts.Sensors = optimization.NewStaticSensors(facts)
	}

	id := cfg.NodeID
	if id == "" {
		id = tr.LocalID()
	}
	logger := opts.Logger.Named("sync").With(zap.String("node_id", utils.ShortID(id)))
	profile := optimization.NewDeviceProfile(opts.Sensors.Facts(), cfg.Tuning)

	tc := cfg.Training
	if tc.Dim == 0 {
		tc.Dim = profile.RecommendedModelDim()
	}
	engine, err := training.NewEngine(tc, logger)
	if err != nil {
		return nil, err
	}
	topology, err := routing.NewTopologyManager(cfg.Topology, opts.Clock, logger)
	if err != nil {
		return nil, err
	}
	bandwidth, err := routing.NewBandwidthScheduler(cfg.Bandwidth, opts.Clock, logger)
	if err != nil {
		return nil, err
	}
	inbound, err := routing.NewInboundGuard(cfg.Inbound, opts.Clock, logger)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:           id,
		cfg:          cfg,
		clock:        opts.Clock,
		transport:    tr,
		sealer:       opts.Sealer,
		sensors:      opts.Sensors,
		codec:        wire.NewCodec(cfg.Wire),
		engine:       engine,
		topology:     topology,
		bandwidth:    bandwidth,
		inbound:      inbound,
		metrics:      NewMetrics(opts.Registerer, id),
		pendingDense: make(map[string]struct{}),
		logger:       logger,
	}
	n.breakers, err = transport.NewBreakerSet(cfg.Breaker, n.onBreakerOpen, logger)
	if err != nil {
		return nil, err
	}

	cfg.Training.Dim = tc.Dim
	n.cfg = cfg
	n.applyProfile(profile)
	topology.SetSelf(cfg.Position, engine.Embedding())

	logger.Info("Node created",
		zap.Int("dim", tc.Dim),
		zap.String("network", profile.Facts.Network.String()),
		zap.Stringer("position", geoStringer{cfg.Position}))
	return n, nil
}

// ID returns the node identity used on the wire.
func (n *Node) ID() string {
	return n.id
}

// Run drives the tick loop and the receive loop until ctx is cancelled. The
// tick in progress completes before Run returns.
func (n *Node) Run(ctx context.Context) error {
	n.logger.Info("Sync loop started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.receiveLoop(gctx) })
	g.Go(func() error { return n.tickLoop(gctx) })

	err := g.Wait()
	n.logger.Info("Sync loop stopped", zap.Uint64("ticks", n.ticks.Load()))
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (n *Node) tickLoop(ctx context.Context) error {
	timer := n.clock.NewTimer(n.nextDelay(false))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.Chan():
			report := n.Tick(ctx)
			timer.Reset(n.nextDelay(report.Paused))
		}
	}
}

func (n *Node) nextDelay(paused bool) time.Duration {
	if paused && n.cfg.Loop.PauseDelay > 0 {
		return n.cfg.Loop.PauseDelay
	}
	return n.Profile().TickInterval()
}

func (n *Node) receiveLoop(ctx context.Context) error {
	events := n.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.HandleEvent(ev)
		}
	}
}

// Tick runs one cycle: train, select top-K, pick targets, check the budget
// and publish. Data-level failures are logged and reported, never returned.
func (n *Node) Tick(ctx context.Context) TickReport {
	start := n.clock.Now()
	tick := n.ticks.Add(1)
	report := TickReport{Tick: tick}
	n.bumpCounters(func(c *common.TickCounters) { c.Ticks++ })
	defer func() {
		n.setState(StateIdle)
		n.metrics.TickDuration.Observe(n.clock.Since(start).Seconds())
		n.refreshGauges()
	}()

	if every(tick, n.cfg.Loop.RetuneEvery) {
		n.UpdateSensors()
	}
	if staled, evicted := n.topology.SweepStale(); len(staled) > 0 || len(evicted) > 0 {
		n.metrics.Failovers.Add(float64(len(staled)))
	}

	profile := n.Profile()
	if profile.ShouldPauseTraining() {
		report.Paused = true
		n.logger.Debug("Training paused on low battery", zap.Uint64("tick", tick))
		return report
	}

	n.setState(StateTraining)
	n.engine.LocalTrainStep()
	n.topology.SetSelfEmbedding(n.engine.Embedding())

	k := n.engine.RecommendK(n.cfg.Training.TopK, profile.Facts.AvailableMemoryMB)
	update := n.engine.MakeSparseUpdate(k)
	update.Sender = n.id
	report.SparseSize = update.Len()

	n.setState(StateSelecting)
	n.topology.Recompute()
	targets, err := n.topology.Targets(n.cfg.Loop.IncludeBackups)
	report.Targets = len(targets)
	if err != nil {
		report.Err = err
		n.logger.Debug("No targets this tick", zap.Uint64("tick", tick), zap.Error(err))
	}

	if update.Len() > 0 && len(targets) > 0 {
		report.SparseSent, report.BudgetDenied = n.publishSparse(update, targets)
	}
	if update.Len() > 0 && report.SparseSent == 0 {
		n.engine.Requeue(update)
		report.Requeued = true
	}

	if profile.AllowsDenseSnapshot() {
		var denseTargets []string
		if every(tick, n.cfg.Loop.DenseEvery) {
			denseTargets = append(denseTargets, targets...)
		}
		owed := n.takePendingDense()
		denseTargets = mergeIDs(denseTargets, owed)
		if len(denseTargets) > 0 {
			sent, denied := n.publishDense(denseTargets, owed)
			report.DenseSent = sent
			report.BudgetDenied += denied
		}
	}

	if every(tick, n.cfg.Loop.ProbeEvery) {
		report.ProbesSent = n.sendProbes(n.cfg.Loop.ProbeFanout)
	}
	if every(tick, n.cfg.Loop.HeartbeatEvery) && len(targets) > 0 {
		n.sendHeartbeats(targets)
	}

	if ctx.Err() != nil {
		n.logger.Debug("Tick finished after shutdown request", zap.Uint64("tick", tick))
	}
	return report
}

// publishSparse sends one encoded update to each target until the window
// runs out.
func (n *Node) publishSparse(update *common.SparseUpdate, targets []string) (sent, denied int) {
	raw, err := n.codec.Encode(&wire.Message{Kind: wire.KindSparse, Sparse: update})
	if err != nil {
		n.logger.Error("Failed to encode sparse update", zap.Error(err))
		return 0, 0
	}
	for _, peerID := range targets {
		n.setState(StateScheduling)
		if err := n.bandwidth.TrySendSparse(); err != nil {
			denied++
			n.bumpCounters(func(c *common.TickCounters) { c.BudgetDenied++ })
			n.metrics.BudgetDenied.WithLabelValues("send_sparse").Inc()
			n.logger.Debug("Sparse budget exhausted",
				zap.Int("sent", sent),
				zap.Int("remaining_targets", len(targets)-sent))
			break
		}
		n.setState(StatePublishing)
		if n.send(peerID, raw) {
			sent++
			n.bumpCounters(func(c *common.TickCounters) { c.SparseSent++ })
			n.metrics.Sent.WithLabelValues(wire.KindSparse.String()).Inc()
		}
	}
	return sent, denied
}

// publishDense sends the full tensor to targets. Owed peers that did not get
// it for lack of budget stay owed.
func (n *Node) publishDense(targets, owed []string) (sent, denied int) {
	snap := n.engine.TensorSnapshot()
	snap.Sender = n.id
	raw, err := n.codec.Encode(&wire.Message{Kind: wire.KindDense, Dense: snap})
	if err != nil {
		n.logger.Error("Failed to encode dense snapshot", zap.Error(err))
		return 0, 0
	}
	for i, peerID := range targets {
		n.setState(StateScheduling)
		if err := n.bandwidth.TrySendDense(len(raw)); err != nil {
			denied++
			n.bumpCounters(func(c *common.TickCounters) { c.BudgetDenied++ })
			n.metrics.BudgetDenied.WithLabelValues("send_dense").Inc()
			n.owePendingDense(intersectIDs(targets[i:], owed))
			n.logger.Debug("Dense budget exhausted", zap.Int("bytes", len(raw)), zap.Error(err))
			break
		}
		n.setState(StatePublishing)
		if n.send(peerID, raw) {
			sent++
			n.bumpCounters(func(c *common.TickCounters) { c.DenseSent++ })
			n.metrics.Sent.WithLabelValues(wire.KindDense.String()).Inc()
		}
	}
	return sent, denied
}

func (n *Node) sendProbes(fanout int) int {
	peers := n.probeTargets(n.topology.ReachablePeers(), fanout)
	if len(peers) == 0 {
		return 0
	}
	raw, err := n.encodeProbe()
	if err != nil {
		n.logger.Error("Failed to encode probe", zap.Error(err))
		return 0
	}
	sent := 0
	for _, peerID := range peers {
		if n.send(peerID, raw) {
			sent++
			n.metrics.Sent.WithLabelValues(wire.KindProbe.String()).Inc()
		}
	}
	return sent
}

// probeTargets picks up to fanout peers, continuing from where the previous
// round stopped so every reachable peer is probed in turn.
func (n *Node) probeTargets(peers []string, fanout int) []string {
	if len(peers) <= fanout {
		return peers
	}
	start := int((n.probeCursor.Add(uint64(fanout)) - uint64(fanout)) % uint64(len(peers)))
	out := make([]string, 0, fanout)
	for i := range fanout {
		out = append(out, peers[(start+i)%len(peers)])
	}
	return out
}

func (n *Node) encodeProbe() ([]byte, error) {
	return n.codec.Encode(&wire.Message{Kind: wire.KindProbe, Probe: &wire.Probe{
		Embedding: n.engine.Embedding(),
		Position:  n.cfg.Position,
	}})
}

func (n *Node) sendHeartbeats(targets []string) {
	raw, err := n.codec.Encode(&wire.Message{Kind: wire.KindHeartbeat, Heartbeat: &wire.Heartbeat{
		ModelHash: n.engine.TensorHash(),
		Version:   n.engine.Version(),
	}})
	if err != nil {
		n.logger.Error("Failed to encode heartbeat", zap.Error(err))
		return
	}
	for _, peerID := range targets {
		if n.send(peerID, raw) {
			n.metrics.Sent.WithLabelValues(wire.KindHeartbeat.String()).Inc()
		}
	}
}

// send seals raw and hands it to the transport behind the peer's breaker.
// The outcome settles the breaker when the transport reports it.
func (n *Node) send(peerID string, raw []byte) bool {
	if peerID == n.id {
		return false
	}
	sealed, err := n.sealer.Seal(raw)
	if err != nil {
		n.logger.Warn("Failed to seal message", zap.Error(err))
		return false
	}
	if err := n.breakers.Allow(peerID); err != nil {
		n.logger.Debug("Send skipped", zap.String("peer", utils.ShortID(peerID)), zap.Error(err))
		return false
	}
	if err := n.transport.Send(peerID, sealed); err != nil {
		n.breakers.Record(peerID, err)
		n.recordSendFailure(peerID, err)
		return false
	}
	return true
}

// HandleEvent processes one transport notification. It is safe to call
// concurrently with Tick.
func (n *Node) HandleEvent(ev common.TransportEvent) {
	if ev.PeerID == "" || ev.PeerID == n.id {
		return
	}
	switch ev.Kind {
	case common.EventMessage:
		n.handleMessage(ev.PeerID, ev.Payload)
	case common.EventSendResult:
		n.breakers.Record(ev.PeerID, ev.Err)
		if ev.Err != nil {
			n.recordSendFailure(ev.PeerID, ev.Err)
		}
	case common.EventPeerConnected:
		n.breakers.Reset(ev.PeerID)
		n.discovered(ev.PeerID, routing.Observation{PeerID: ev.PeerID})
		n.topology.Recompute()
	case common.EventPeerDisconnected:
		if n.topology.MarkUnreachable(ev.PeerID, common.ErrPeerUnreachable) {
			n.metrics.Failovers.Inc()
		}
	}
}

func (n *Node) handleMessage(from string, raw []byte) {
	if err := n.inbound.Admit(from, raw); err != nil {
		if errors.Is(err, common.ErrDuplicateMessage) {
			// Replays still prove the peer is alive.
			n.topology.Observe(routing.Observation{PeerID: from})
		}
		n.reject(from, err)
		return
	}

	sender, payload, err := n.sealer.Open(from, raw)
	if err != nil {
		n.reject(from, common.ErrMalformed("unverifiable message", err))
		return
	}
	msg, err := n.codec.Decode(payload)
	if err != nil {
		n.reject(sender, err)
		return
	}

	obs := routing.Observation{PeerID: sender}
	if msg.Kind == wire.KindProbe {
		obs.Position = msg.Probe.Position
		obs.Embedding = msg.Probe.Embedding
	}
	n.discovered(sender, obs)

	switch msg.Kind {
	case wire.KindSparse:
		if err := n.bandwidth.TryAcceptSparse(); err != nil {
			n.denyAccept("accept_sparse", sender, err)
			return
		}
		msg.Sparse.Sender = sender
		if err := n.engine.ApplySparseUpdate(msg.Sparse); err != nil {
			n.reject(sender, err)
			return
		}
		n.bumpCounters(func(c *common.TickCounters) { c.SparseReceived++ })
		n.metrics.Received.WithLabelValues(msg.Kind.String()).Inc()

	case wire.KindDense:
		if err := n.bandwidth.TryAcceptDense(len(raw)); err != nil {
			n.denyAccept("accept_dense", sender, err)
			return
		}
		msg.Dense.Sender = sender
		if err := n.engine.ApplyDenseSnapshot(msg.Dense); err != nil {
			n.reject(sender, err)
			return
		}
		n.bumpCounters(func(c *common.TickCounters) { c.DenseReceived++ })
		n.metrics.Received.WithLabelValues(msg.Kind.String()).Inc()

	default:
		n.metrics.Received.WithLabelValues(msg.Kind.String()).Inc()
	}
}

// discovered records contact with a peer. First contact owes the peer a
// dense snapshot and a probe so both sides can score each other.
func (n *Node) discovered(peerID string, obs routing.Observation) {
	if !n.topology.Observe(obs) {
		return
	}
	n.topology.Recompute()
	n.logger.Debug("New peer", zap.String("peer", utils.ShortID(peerID)))
	if n.cfg.Loop.DenseToNewPeers {
		n.owePendingDense([]string{peerID})
	}
	if raw, err := n.encodeProbe(); err == nil && n.send(peerID, raw) {
		n.metrics.Sent.WithLabelValues(wire.KindProbe.String()).Inc()
	}
}

func (n *Node) reject(peerID string, err error) {
	code := common.ErrorCode(err)
	if code == "" {
		code = "UNKNOWN"
	}
	n.bumpCounters(func(c *common.TickCounters) { c.Rejected++ })
	n.metrics.Rejected.WithLabelValues(code).Inc()
	if code == common.ErrCodeDuplicateMessage {
		n.logger.Debug("Dropped duplicate message", zap.String("peer", utils.ShortID(peerID)))
		return
	}
	n.logger.Warn("Dropped inbound message",
		zap.String("peer", utils.ShortID(peerID)),
		zap.String("code", code),
		zap.Error(err))
}

func (n *Node) denyAccept(kind, peerID string, err error) {
	n.bumpCounters(func(c *common.TickCounters) { c.BudgetDenied++ })
	n.metrics.BudgetDenied.WithLabelValues(kind).Inc()
	n.logger.Debug("Inbound budget exhausted", zap.String("peer", utils.ShortID(peerID)), zap.Error(err))
}

func (n *Node) recordSendFailure(peerID string, err error) {
	n.bumpCounters(func(c *common.TickCounters) { c.SendFailures++ })
	n.metrics.SendFailures.Inc()
	n.logger.Debug("Send failed", zap.String("peer", utils.ShortID(peerID)), zap.Error(err))
}

func (n *Node) onBreakerOpen(peerID string) {
	if n.topology.MarkUnreachable(peerID, common.ErrCircuitOpen) {
		n.metrics.Failovers.Inc()
	}
}

// UpdateSensors re-reads the device facts and re-tunes neighbour bounds,
// bandwidth budget and memory pressure threshold.
func (n *Node) UpdateSensors() optimization.DeviceProfile {
	profile := optimization.NewDeviceProfile(n.sensors.Facts(), n.cfg.Tuning)
	prev := n.Profile()
	n.applyProfile(profile)
	if prev.Facts.Network != profile.Facts.Network || prev.TickInterval() != profile.TickInterval() ||
		prev.ShouldPauseTraining() != profile.ShouldPauseTraining() {
		n.logger.Info("Device re-tuned",
			zap.String("network", profile.Facts.Network.String()),
			zap.Duration("tick_interval", profile.TickInterval()),
			zap.Int("neighbors", profile.RecommendedNeighbors()),
			zap.Bool("paused", profile.ShouldPauseTraining()))
	}
	return profile
}

func (n *Node) applyProfile(profile optimization.DeviceProfile) {
	n.profileMu.Lock()
	n.profile = profile
	n.profileMu.Unlock()

	neighbors := min(profile.RecommendedNeighbors(), n.cfg.Topology.MaxNeighbors)
	pool := min(profile.RecommendedFailoverPool(), n.cfg.Topology.FailoverPool)
	n.topology.SetBounds(neighbors, pool)

	budget := n.cfg.Bandwidth
	budget.SparsePerWindow, budget.DenseBytesPerWindow = profile.ScaleBudget(budget.SparsePerWindow, budget.DenseBytesPerWindow)
	if err := n.bandwidth.SetBudget(budget); err != nil {
		n.logger.Error("Failed to apply bandwidth budget", zap.Error(err))
	}
	n.engine.SetMemoryPressureThreshold(profile.MemoryPressureThresholdMB())
}

// Profile returns the current device profile.
func (n *Node) Profile() optimization.DeviceProfile {
	n.profileMu.RLock()
	defer n.profileMu.RUnlock()
	return n.profile
}

// State returns the current tick phase.
func (n *Node) State() State {
	return State(n.state.Load())
}

func (n *Node) setState(s State) {
	n.state.Store(int32(s))
}

// Counters returns a copy of the message counters.
func (n *Node) Counters() common.TickCounters {
	n.countersMu.Lock()
	defer n.countersMu.Unlock()
	return n.counters
}

func (n *Node) bumpCounters(fn func(*common.TickCounters)) {
	n.countersMu.Lock()
	fn(&n.counters)
	n.countersMu.Unlock()
}

// PeerSnapshots returns the read-only peer view.
func (n *Node) PeerSnapshots() []common.PeerSnapshot {
	return n.topology.PeerSnapshots()
}

// Topology returns the current primary and backup lists.
func (n *Node) Topology() common.TopologyState {
	return n.topology.State()
}

// ConvergenceScore reports the engine's convergence statistic.
func (n *Node) ConvergenceScore() float64 {
	return n.engine.ConvergenceScore()
}

// Engine exposes the update engine for checkpointing and restore.
func (n *Node) Engine() *training.Engine {
	return n.engine
}

// Bandwidth returns the current window usage.
func (n *Node) Bandwidth() routing.BandwidthUsage {
	return n.bandwidth.Usage()
}

func (n *Node) refreshGauges() {
	state := n.topology.State()
	n.metrics.PrimaryPeers.Set(float64(len(state.Primary)))
	n.metrics.BackupPeers.Set(float64(len(state.Backup)))
	n.metrics.KnownPeers.Set(float64(n.topology.Known()))
	n.metrics.Convergence.Set(n.engine.ConvergenceScore())
	n.metrics.ModelVersion.Set(float64(n.engine.Version()))
}

func (n *Node) owePendingDense(ids []string) {
	n.denseMu.Lock()
	defer n.denseMu.Unlock()
	for _, id := range ids {
		n.pendingDense[id] = struct{}{}
	}
}

func (n *Node) takePendingDense() []string {
	n.denseMu.Lock()
	defer n.denseMu.Unlock()
	if len(n.pendingDense) == 0 {
		return nil
	}
	out := make([]string, 0, len(n.pendingDense))
	for id := range n.pendingDense {
		if rec, ok := n.topology.Peer(id); ok && rec.Reachable {
			out = append(out, id)
		}
		delete(n.pendingDense, id)
	}
	return out
}

func every(tick uint64, n int) bool {
	return n > 0 && tick%uint64(n) == 0
}

// mergeIDs appends the members of extra not already in ids.
func mergeIDs(ids, extra []string) []string {
	for _, id := range extra {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func intersectIDs(ids, keep []string) []string {
	var out []string
	for _, id := range ids {
		if slices.Contains(keep, id) {
			out = append(out, id)
		}
	}
	return out
}

type geoStringer struct{ p *common.GeoPoint }

func (g geoStringer) String() string {
	if g.p == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.4f,%.4f", g.p.Latitude, g.p.Longitude)
}
