package routing

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	london = common.GeoPoint{Latitude: 51.5074, Longitude: -0.1278}
	paris  = common.GeoPoint{Latitude: 48.8566, Longitude: 2.3522}
	berlin = common.GeoPoint{Latitude: 52.5200, Longitude: 13.4050}
	nyc    = common.GeoPoint{Latitude: 40.7128, Longitude: -74.0060}
	tokyo  = common.GeoPoint{Latitude: 35.6762, Longitude: 139.6503}
)

func newTestTopology(t *testing.T, n, m int) (*TopologyManager, clockwork.FakeClock) {
	t.Helper()
	cfg := DefaultTopologyConfig()
	cfg.MaxNeighbors = n
	cfg.FailoverPool = m
	clock := clockwork.NewFakeClock()
	tm, err := NewTopologyManager(cfg, clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	tm.SetSelf(&london, nil)
	return tm, clock
}

func at(p common.GeoPoint) *common.GeoPoint { return &p }

func assertBounded(t *testing.T, tm *TopologyManager) {
	t.Helper()
	n, m := tm.Bounds()
	state := tm.State()
	assert.LessOrEqual(t, len(state.Primary), n)
	assert.LessOrEqual(t, len(state.Backup), m)
	seen := map[string]bool{}
	for _, id := range append(state.Primary, state.Backup...) {
		assert.False(t, seen[id], "duplicate or overlapping peer %s", id)
		seen[id] = true
		rec, ok := tm.Peer(id)
		require.True(t, ok)
		assert.True(t, rec.Reachable)
	}
}

// ========== SCORING TESTS ==========

func TestGeoAffinity_Curves(t *testing.T) {
	for _, curve := range []string{GeoCurveHyperbolic, GeoCurveExponential} {
		assert.Equal(t, 1.0, GeoAffinity(0, 500, curve))
		assert.Greater(t, GeoAffinity(100, 500, curve), GeoAffinity(1000, 500, curve))
		assert.Less(t, GeoAffinity(1e9, 500, curve), 1e-3)
	}
	assert.InDelta(t, 0.5, GeoAffinity(500, 500, GeoCurveHyperbolic), 1e-12)
	assert.InDelta(t, math.Exp(-1), GeoAffinity(500, 500, GeoCurveExponential), 1e-12)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestTopology_ScoresCloserPeersHigher(t *testing.T) {
	tm, _ := newTestTopology(t, 2, 2)
	tm.Observe(Observation{PeerID: "nyc", Position: at(nyc)})
	tm.Observe(Observation{PeerID: "paris", Position: at(paris)})
	tm.Observe(Observation{PeerID: "tokyo", Position: at(tokyo)})
	tm.Observe(Observation{PeerID: "berlin", Position: at(berlin)})

	state := tm.Recompute()
	assert.Equal(t, []string{"paris", "berlin"}, state.Primary)
	assert.Equal(t, []string{"nyc", "tokyo"}, state.Backup)
}

func TestTopology_SetSelfEmbeddingKeepsPosition(t *testing.T) {
	tm, _ := newTestTopology(t, 4, 0)
	tm.Observe(Observation{PeerID: "paris", Position: at(paris), Embedding: []float32{1, 0}})
	tm.Recompute()
	before, ok := tm.Peer("paris")
	require.True(t, ok)
	require.Greater(t, before.GeoAffinity, 0.0)

	tm.SetSelfEmbedding([]float32{1, 0})
	tm.Recompute()
	after, ok := tm.Peer("paris")
	require.True(t, ok)
	assert.InDelta(t, before.GeoAffinity, after.GeoAffinity, 1e-9)
	assert.InDelta(t, 1.0, after.Similarity, 1e-9)
}

func TestTopology_PartialDataRenormalised(t *testing.T) {
	tm, _ := newTestTopology(t, 4, 0)
	tm.SetSelf(&london, []float32{1, 0})

	tm.Observe(Observation{PeerID: "geo-only", Position: at(london)})
	tm.Observe(Observation{PeerID: "emb-only", Embedding: []float32{0, 1}})
	tm.Observe(Observation{PeerID: "both", Position: at(london), Embedding: []float32{1, 0}})
	tm.Observe(Observation{PeerID: "none"})
	tm.Observe(Observation{PeerID: "bad-dim", Embedding: []float32{1, 0, 0}})
	tm.Recompute()

	score := func(id string) float64 {
		rec, ok := tm.Peer(id)
		require.True(t, ok)
		return rec.Score
	}
	assert.InDelta(t, 1.0, score("geo-only"), 1e-9, "geo term alone, renormalised")
	assert.InDelta(t, 0.0, score("emb-only"), 1e-9, "orthogonal embedding")
	assert.InDelta(t, 1.0, score("both"), 1e-9)
	assert.Equal(t, 0.0, score("none"))
	assert.Equal(t, 0.0, score("bad-dim"), "mismatched embedding is ignored")
}

func TestTopology_TiesBrokenByLowestID(t *testing.T) {
	tm, _ := newTestTopology(t, 2, 1)
	for _, id := range []string{"d", "b", "c", "a"} {
		tm.Observe(Observation{PeerID: id, Position: at(paris)})
	}
	state := tm.Recompute()
	assert.Equal(t, []string{"a", "b"}, state.Primary)
	assert.Equal(t, []string{"c"}, state.Backup)
}

func TestTopology_MinScoreFilters(t *testing.T) {
	cfg := DefaultTopologyConfig()
	cfg.MinScore = 0.2
	tm, err := NewTopologyManager(cfg, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	require.NoError(t, err)
	tm.SetSelf(&london, nil)

	tm.Observe(Observation{PeerID: "paris", Position: at(paris)})
	tm.Observe(Observation{PeerID: "tokyo", Position: at(tokyo)})
	state := tm.Recompute()
	assert.Equal(t, []string{"paris"}, state.Primary)
	assert.Empty(t, state.Backup)
}

// ========== FAILOVER TESTS ==========

func TestTopology_FailoverPromotesBestBackup(t *testing.T) {
	tm, _ := newTestTopology(t, 2, 2)
	tm.Observe(Observation{PeerID: "paris", Position: at(paris)})
	tm.Observe(Observation{PeerID: "berlin", Position: at(berlin)})
	tm.Observe(Observation{PeerID: "nyc", Position: at(nyc)})
	tm.Observe(Observation{PeerID: "tokyo", Position: at(tokyo)})
	tm.Recompute()

	require.True(t, tm.MarkUnreachable("paris", errors.New("stream reset")))
	state := tm.State()
	assert.Equal(t, []string{"berlin", "nyc"}, state.Primary)
	assert.Equal(t, []string{"tokyo"}, state.Backup)
	assert.False(t, state.Contains("paris"))
	assertBounded(t, tm)
}

func TestTopology_FailoverWithoutBackupsReducesNeighbours(t *testing.T) {
	tm, _ := newTestTopology(t, 2, 0)
	tm.Observe(Observation{PeerID: "paris", Position: at(paris)})
	tm.Observe(Observation{PeerID: "berlin", Position: at(berlin)})
	tm.Recompute()

	tm.MarkUnreachable("paris", nil)
	assert.Equal(t, []string{"berlin"}, tm.State().Primary)

	tm.MarkUnreachable("berlin", nil)
	_, err := tm.Targets(true)
	assert.ErrorIs(t, err, common.ErrNoReachablePeers)

	assert.False(t, tm.MarkUnreachable("ghost", nil))
}

func TestTopology_ObserveRevivesPeer(t *testing.T) {
	tm, _ := newTestTopology(t, 1, 0)
	assert.True(t, tm.Observe(Observation{PeerID: "paris", Position: at(paris)}))
	tm.MarkUnreachable("paris", nil)

	assert.False(t, tm.Observe(Observation{PeerID: "paris"}), "already known")
	state := tm.Recompute()
	assert.Equal(t, []string{"paris"}, state.Primary)

	rec, _ := tm.Peer("paris")
	require.NotNil(t, rec.Position, "position survives an observation without one")
}

// ========== BOUNDS TESTS ==========

func TestTopology_BoundsShrinkAndGrow(t *testing.T) {
	tm, _ := newTestTopology(t, 3, 2)
	for i, p := range []common.GeoPoint{paris, berlin, nyc, tokyo} {
		tm.Observe(Observation{PeerID: fmt.Sprintf("p%d", i), Position: at(p)})
	}
	tm.Observe(Observation{PeerID: "p4", Position: at(london)})
	tm.Recompute()
	assertBounded(t, tm)

	tm.SetBounds(1, 1)
	state := tm.Recompute()
	assert.Equal(t, []string{"p4"}, state.Primary, "lowest scores evicted first")
	assert.Equal(t, []string{"p0"}, state.Backup)
	assertBounded(t, tm)

	tm.SetBounds(4, 4)
	state = tm.Recompute()
	assert.Len(t, state.Primary, 4)
	assert.Len(t, state.Backup, 1)
	assertBounded(t, tm)
}

func TestTopology_BoundednessUnderChurn(t *testing.T) {
	tm, _ := newTestTopology(t, 3, 2)
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("peer-%02d", i%12)
		tm.Observe(Observation{PeerID: id, Position: &common.GeoPoint{Latitude: float64(i), Longitude: float64(i * 3)}})
		if i%3 == 0 {
			tm.MarkUnreachable(fmt.Sprintf("peer-%02d", (i*7)%12), nil)
		}
		if i%5 == 0 {
			tm.SetBounds(1+i%4, i%3)
		}
		tm.Recompute()
		assertBounded(t, tm)
	}
}

// ========== STALENESS TESTS ==========

func TestTopology_SweepStaleAndEvict(t *testing.T) {
	tm, clock := newTestTopology(t, 2, 1)
	tm.Observe(Observation{PeerID: "paris", Position: at(paris)})
	tm.Observe(Observation{PeerID: "berlin", Position: at(berlin)})
	tm.Recompute()

	clock.Advance(90 * time.Second)
	tm.Observe(Observation{PeerID: "berlin"})
	clock.Advance(40 * time.Second)

	staled, evicted := tm.SweepStale()
	assert.Equal(t, []string{"paris"}, staled)
	assert.Empty(t, evicted)
	assert.Equal(t, []string{"berlin"}, tm.State().Primary)

	clock.Advance(11 * time.Minute)
	tm.Observe(Observation{PeerID: "berlin"})
	_, evicted = tm.SweepStale()
	assert.Equal(t, []string{"paris"}, evicted)
	assert.Equal(t, 1, tm.Known())
}

func TestTopology_CandidatePoolBounded(t *testing.T) {
	cfg := DefaultTopologyConfig()
	cfg.MaxCandidates = 3
	tm, err := NewTopologyManager(cfg, clockwork.NewFakeClock(), zaptest.NewLogger(t))
	require.NoError(t, err)
	tm.SetSelf(&london, nil)

	for _, id := range []string{"a", "b", "c"} {
		tm.Observe(Observation{PeerID: id, Position: at(paris)})
	}
	tm.Recompute()
	tm.Observe(Observation{PeerID: "a"}) // refresh a
	tm.Observe(Observation{PeerID: "d", Position: at(paris)})

	assert.Equal(t, 3, tm.Known())
	_, ok := tm.Peer("b")
	assert.False(t, ok, "least recently seen peer is evicted")
	assert.False(t, tm.State().Contains("b"))
}

// ========== OBSERVABILITY TESTS ==========

func TestTopology_PeerSnapshots(t *testing.T) {
	tm, _ := newTestTopology(t, 1, 1)
	tm.SetSelf(&london, []float32{1, 0})
	tm.Observe(Observation{PeerID: "paris", Position: at(paris), Embedding: []float32{1, 0}})
	tm.Observe(Observation{PeerID: "nyc", Position: at(nyc), Embedding: []float32{0, 1}})
	tm.Observe(Observation{PeerID: "anon"})
	tm.Recompute()

	snaps := tm.PeerSnapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "paris", snaps[0].PeerID)
	assert.Equal(t, RolePrimary, snaps[0].Role)
	assert.Equal(t, RoleBackup, snaps[1].Role)
	assert.Equal(t, RoleCandidate, snaps[2].Role)
	assert.Equal(t, 0.0, snaps[0].EmbeddingDistance)
	assert.InDelta(t, math.Sqrt2, snaps[1].EmbeddingDistance, 1e-6)
	assert.Len(t, snaps[0].Geohash, 5)
	assert.Empty(t, snaps[2].Geohash)

	// Snapshots are copies.
	snaps[0].Position.Latitude = 0
	rec, _ := tm.Peer("paris")
	assert.Equal(t, paris.Latitude, rec.Position.Latitude)
}

func TestTopologyConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultTopologyConfig().Validate())

	cfg := DefaultTopologyConfig()
	cfg.GeoWeight, cfg.EmbedWeight = 0, 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultTopologyConfig()
	cfg.GeoCurve = "linear"
	assert.Error(t, cfg.Validate())
}
