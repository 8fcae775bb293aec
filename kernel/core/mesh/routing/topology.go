package routing

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/optimization"
	"github.com/nmxmxh/geomesh/kernel/utils"
	"go.uber.org/zap"
)

// Geo decay curves.
const (
	GeoCurveHyperbolic  = "hyperbolic"  // scale / (scale + d)
	GeoCurveExponential = "exponential" // exp(-d / scale)
)

// Peer roles reported in snapshots.
const (
	RolePrimary   = "primary"
	RoleBackup    = "backup"
	RoleCandidate = "candidate"
)

// TopologyConfig holds neighbour selection configuration.
type TopologyConfig struct {
	MaxNeighbors  int     `json:"max_neighbors" mapstructure:"max_neighbors"` // N, primary size
	FailoverPool  int     `json:"failover_pool" mapstructure:"failover_pool"` // M, backup size
	MinScore      float64 `json:"min_score" mapstructure:"min_score"`
	GeoWeight     float64 `json:"geo_weight" mapstructure:"geo_weight"`
	EmbedWeight   float64 `json:"embed_weight" mapstructure:"embed_weight"`
	GeoScaleKm    float64 `json:"geo_scale_km" mapstructure:"geo_scale_km"`
	GeoCurve      string  `json:"geo_curve" mapstructure:"geo_curve"`
	MaxCandidates int     `json:"max_candidates" mapstructure:"max_candidates"` // candidate pool bound

	PeerStale  time.Duration `json:"peer_stale" mapstructure:"peer_stale"`   // silence before unreachable
	EvictAfter time.Duration `json:"evict_after" mapstructure:"evict_after"` // unreachable before eviction
}

// DefaultTopologyConfig returns defaults. MinScore of -1 admits every peer,
// since cosine similarity can be negative.
func DefaultTopologyConfig() TopologyConfig {
	return TopologyConfig{
		MaxNeighbors:  8,
		FailoverPool:  4,
		MinScore:      -1,
		GeoWeight:     0.5,
		EmbedWeight:   0.5,
		GeoScaleKm:    500,
		GeoCurve:      GeoCurveHyperbolic,
		MaxCandidates: 1024,
		PeerStale:     120 * time.Second,
		EvictAfter:    10 * time.Minute,
	}
}

// Validate checks the config.
func (c TopologyConfig) Validate() error {
	if c.MaxNeighbors < 0 || c.FailoverPool < 0 {
		return fmt.Errorf("neighbour bounds must not be negative")
	}
	if c.GeoWeight < 0 || c.EmbedWeight < 0 || c.GeoWeight+c.EmbedWeight == 0 {
		return fmt.Errorf("weights must be non-negative with a positive sum")
	}
	if c.GeoScaleKm <= 0 {
		return fmt.Errorf("geo_scale_km must be positive")
	}
	if c.GeoCurve != GeoCurveHyperbolic && c.GeoCurve != GeoCurveExponential {
		return fmt.Errorf("unknown geo_curve %q", c.GeoCurve)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive")
	}
	if c.PeerStale <= 0 || c.EvictAfter <= 0 {
		return fmt.Errorf("peer_stale and evict_after must be positive")
	}
	return nil
}

// Observation is what a received message tells us about its sender. Nil
// Position or Embedding leaves the stored value untouched.
type Observation struct {
	PeerID    string
	Position  *common.GeoPoint
	Embedding []float32
}

// TopologyManager ranks known peers by geographic and embedding affinity and
// keeps a primary neighbour list plus a disjoint backup pool.
type TopologyManager struct {
	mu sync.Mutex

	config TopologyConfig
	clock  clockwork.Clock

	// Candidate pool, least-recently-seen evicted first.
	peers *lru.Cache[string, *common.PeerRecord]

	selfPosition  *common.GeoPoint
	selfEmbedding []float32

	state common.TopologyState

	logger *zap.Logger
}

// NewTopologyManager creates a manager. Weights are normalised to sum to 1.
func NewTopologyManager(config TopologyConfig, clock clockwork.Clock, logger *zap.Logger) (*TopologyManager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid topology config: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	total := config.GeoWeight + config.EmbedWeight
	config.GeoWeight /= total
	config.EmbedWeight /= total

	tm := &TopologyManager{
		config: config,
		clock:  clock,
		logger: logger.Named("topology"),
	}

	peers, err := lru.NewWithEvict(config.MaxCandidates, func(id string, _ *common.PeerRecord) {
		tm.logger.Debug("Peer left candidate pool", zap.String("peer", utils.ShortID(id)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer pool: %w", err)
	}
	tm.peers = peers
	return tm, nil
}

// SetSelf updates the local position and embedding used for scoring.
func (tm *TopologyManager) SetSelf(position *common.GeoPoint, embedding []float32) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if position != nil {
		p := *position
		tm.selfPosition = &p
	} else {
		tm.selfPosition = nil
	}
	tm.selfEmbedding = append([]float32(nil), embedding...)
}

// SetSelfEmbedding refreshes the local embedding and keeps the position.
func (tm *TopologyManager) SetSelfEmbedding(embedding []float32) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.selfEmbedding = append([]float32(nil), embedding...)
}

// SetBounds changes N and M. The next Recompute applies them, evicting the
// lowest-scored members first when shrinking.
func (tm *TopologyManager) SetBounds(maxNeighbors, failoverPool int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if maxNeighbors < 0 {
		maxNeighbors = 0
	}
	if failoverPool < 0 {
		failoverPool = 0
	}
	if tm.config.MaxNeighbors != maxNeighbors || tm.config.FailoverPool != failoverPool {
		tm.logger.Info("Neighbour bounds changed",
			zap.Int("max_neighbors", maxNeighbors),
			zap.Int("failover_pool", failoverPool))
	}
	tm.config.MaxNeighbors = maxNeighbors
	tm.config.FailoverPool = failoverPool
}

// Bounds returns the current N and M.
func (tm *TopologyManager) Bounds() (int, int) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.config.MaxNeighbors, tm.config.FailoverPool
}

// Observe records contact with a peer, creating its record on first contact
// and reviving it if it was unreachable. It reports whether the peer was
// previously unknown.
func (tm *TopologyManager) Observe(obs Observation) bool {
	if obs.PeerID == "" {
		return false
	}
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.clock.Now()
	rec, ok := tm.peers.Get(obs.PeerID)
	isNew := !ok
	if isNew {
		rec = &common.PeerRecord{PeerID: obs.PeerID, DiscoveredAt: now}
	} else if !rec.Reachable {
		tm.logger.Info("Peer reachable again", zap.String("peer", utils.ShortID(obs.PeerID)))
	}

	rec.LastSeen = now
	rec.Reachable = true
	rec.UnreachableSince = time.Time{}
	if obs.Position != nil && obs.Position.Valid() {
		p := *obs.Position
		rec.Position = &p
	}
	if len(obs.Embedding) > 0 {
		rec.Embedding = append(rec.Embedding[:0], obs.Embedding...)
	}

	if isNew {
		if evicted := tm.peers.Add(obs.PeerID, rec); evicted {
			tm.dropMissingLocked()
		}
		tm.logger.Debug("Discovered peer",
			zap.String("peer", utils.ShortID(obs.PeerID)),
			zap.Int("known", tm.peers.Len()))
	}
	return isNew
}

// dropMissingLocked removes state entries whose record left the pool.
func (tm *TopologyManager) dropMissingLocked() {
	keep := func(ids []string) []string {
		out := ids[:0]
		for _, id := range ids {
			if tm.peers.Contains(id) {
				out = append(out, id)
			}
		}
		return out
	}
	tm.state.Primary = keep(tm.state.Primary)
	tm.state.Backup = keep(tm.state.Backup)
}

// MarkUnreachable is the failover path: the peer leaves primary and backup at
// once and a recompute promotes the best remaining candidate.
func (tm *TopologyManager) MarkUnreachable(peerID string, reason error) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	rec, ok := tm.peers.Peek(peerID)
	if !ok {
		return false
	}
	if rec.Reachable {
		rec.Reachable = false
		rec.UnreachableSince = tm.clock.Now()
		tm.logger.Info("Peer marked unreachable",
			zap.String("peer", utils.ShortID(peerID)),
			zap.Bool("was_neighbor", tm.state.Contains(peerID)),
			zap.Error(reason))
	}
	tm.state.Primary = removeID(tm.state.Primary, peerID)
	tm.state.Backup = removeID(tm.state.Backup, peerID)
	tm.recomputeLocked()
	return true
}

// SweepStale marks peers silent for longer than PeerStale unreachable and
// evicts peers unreachable for longer than EvictAfter.
func (tm *TopologyManager) SweepStale() (staled, evicted []string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.clock.Now()
	for _, id := range tm.peers.Keys() {
		rec, ok := tm.peers.Peek(id)
		if !ok {
			continue
		}
		switch {
		case rec.Reachable && now.Sub(rec.LastSeen) > tm.config.PeerStale:
			rec.Reachable = false
			rec.UnreachableSince = now
			staled = append(staled, id)
		case !rec.Reachable && now.Sub(rec.UnreachableSince) > tm.config.EvictAfter:
			tm.peers.Remove(id)
			evicted = append(evicted, id)
		}
	}

	if len(staled) > 0 || len(evicted) > 0 {
		tm.logger.Debug("Swept stale peers",
			zap.Int("staled", len(staled)),
			zap.Int("evicted", len(evicted)))
		tm.dropMissingLocked()
		for _, id := range staled {
			tm.state.Primary = removeID(tm.state.Primary, id)
			tm.state.Backup = removeID(tm.state.Backup, id)
		}
		tm.recomputeLocked()
	}
	return staled, evicted
}

// Recompute re-scores reachable peers and rebuilds primary and backup. It is
// idempotent.
func (tm *TopologyManager) Recompute() common.TopologyState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.recomputeLocked()
	return tm.stateCopyLocked()
}

type rankedPeer struct {
	id    string
	score float64
}

func (tm *TopologyManager) recomputeLocked() {
	var ranked []rankedPeer
	for _, id := range tm.peers.Keys() {
		rec, ok := tm.peers.Peek(id)
		if !ok {
			continue
		}
		rec.Score, rec.GeoAffinity, rec.Similarity = tm.scoreLocked(rec)
		if !rec.Reachable || rec.Score < tm.config.MinScore {
			continue
		}
		ranked = append(ranked, rankedPeer{id: id, score: rec.Score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	n := tm.config.MaxNeighbors
	if n > len(ranked) {
		n = len(ranked)
	}
	m := tm.config.FailoverPool
	if n+m > len(ranked) {
		m = len(ranked) - n
	}

	prevBackup := tm.state.Backup
	primary := make([]string, 0, n)
	for _, p := range ranked[:n] {
		primary = append(primary, p.id)
	}
	backup := make([]string, 0, m)
	for _, p := range ranked[n : n+m] {
		backup = append(backup, p.id)
	}

	for _, id := range primary {
		if containsID(prevBackup, id) {
			tm.logger.Info("Promoted backup peer to primary", zap.String("peer", utils.ShortID(id)))
		}
	}
	if len(primary) < tm.config.MaxNeighbors && len(tm.state.Primary) > len(primary) {
		tm.logger.Warn("Operating with reduced neighbour count",
			zap.Int("primary", len(primary)),
			zap.Int("max_neighbors", tm.config.MaxNeighbors))
	}

	tm.state.Primary = primary
	tm.state.Backup = backup
}

// scoreLocked combines whichever affinity terms are available, renormalising
// over their weights. A peer with neither term scores 0.
func (tm *TopologyManager) scoreLocked(rec *common.PeerRecord) (score, geo, sim float64) {
	var weighted, total float64

	if tm.selfPosition != nil && rec.Position != nil {
		geo = GeoAffinity(tm.selfPosition.DistanceKm(*rec.Position), tm.config.GeoScaleKm, tm.config.GeoCurve)
		weighted += tm.config.GeoWeight * geo
		total += tm.config.GeoWeight
	}
	if len(tm.selfEmbedding) > 0 && len(rec.Embedding) == len(tm.selfEmbedding) {
		sim = CosineSimilarity(tm.selfEmbedding, rec.Embedding)
		weighted += tm.config.EmbedWeight * sim
		total += tm.config.EmbedWeight
	}
	if total == 0 {
		return 0, geo, sim
	}
	return weighted / total, geo, sim
}

// GeoAffinity is 1 at distance 0 and decays towards 0 with distance.
func GeoAffinity(distanceKm, scaleKm float64, curve string) float64 {
	if distanceKm <= 0 {
		return 1
	}
	if curve == GeoCurveExponential {
		return math.Exp(-distanceKm / scaleKm)
	}
	return scaleKm / (scaleKm + distanceKm)
}

// CosineSimilarity returns a value in [-1,1]; 0 if either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	c := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, c))
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Targets returns the primary neighbours, followed by the backups when
// includeBackups is set. It fails with NO_REACHABLE_PEERS when empty.
func (tm *TopologyManager) Targets(includeBackups bool) ([]string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := append([]string(nil), tm.state.Primary...)
	if includeBackups {
		out = append(out, tm.state.Backup...)
	}
	if len(out) == 0 {
		return nil, common.ErrNoPeers(tm.peers.Len())
	}
	return out, nil
}

// ReachablePeers returns every reachable candidate, sorted by ID.
func (tm *TopologyManager) ReachablePeers() []string {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	var out []string
	for _, id := range tm.peers.Keys() {
		if rec, ok := tm.peers.Peek(id); ok && rec.Reachable {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// State returns a copy of the current neighbour view.
func (tm *TopologyManager) State() common.TopologyState {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.stateCopyLocked()
}

func (tm *TopologyManager) stateCopyLocked() common.TopologyState {
	return common.TopologyState{
		Primary: append([]string(nil), tm.state.Primary...),
		Backup:  append([]string(nil), tm.state.Backup...),
	}
}

// Peer returns a copy of a peer's record.
func (tm *TopologyManager) Peer(peerID string) (common.PeerRecord, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	rec, ok := tm.peers.Peek(peerID)
	if !ok {
		return common.PeerRecord{}, false
	}
	return rec.Clone(), true
}

// Known returns the candidate pool size.
func (tm *TopologyManager) Known() int {
	return tm.peers.Len()
}

// PeerSnapshots projects every candidate for observability, sorted by
// descending score then ID. Scores are those of the last recompute.
func (tm *TopologyManager) PeerSnapshots() []common.PeerSnapshot {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	out := make([]common.PeerSnapshot, 0, tm.peers.Len())
	for _, id := range tm.peers.Keys() {
		rec, ok := tm.peers.Peek(id)
		if !ok {
			continue
		}
		snap := common.PeerSnapshot{
			PeerID:       rec.PeerID,
			Score:        rec.Score,
			GeoAffinity:  rec.GeoAffinity,
			Similarity:   rec.Similarity,
			EmbeddingDim: len(rec.Embedding),
			Geohash:      optimization.GeohashOf(rec.Position),
			Reachable:    rec.Reachable,
			Role:         RoleCandidate,
			LastSeen:     rec.LastSeen,
		}
		if rec.Position != nil {
			p := *rec.Position
			snap.Position = &p
		}
		if len(tm.selfEmbedding) > 0 && len(rec.Embedding) == len(tm.selfEmbedding) {
			snap.EmbeddingDistance = euclidean(tm.selfEmbedding, rec.Embedding)
		}
		switch {
		case containsID(tm.state.Primary, id):
			snap.Role = RolePrimary
		case containsID(tm.state.Backup, id):
			snap.Role = RoleBackup
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
