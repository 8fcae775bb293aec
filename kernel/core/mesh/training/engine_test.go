package training

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, dim int) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dim = dim
	cfg.EmbeddingDim = 4
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func indices(u *common.SparseUpdate) []uint32 {
	out := make([]uint32, 0, u.Len())
	for _, e := range u.Entries {
		out = append(out, e.Index)
	}
	return out
}

// ========== SPARSE UPDATE TESTS ==========

func TestEngine_TopKScenario(t *testing.T) {
	e := newTestEngine(t, 4)
	deltas := []float32{0.1, 0.9, 0.05, 0.3}

	require.NoError(t, e.AddLocalDelta(deltas))
	u := e.MakeSparseUpdate(2)

	assert.Equal(t, []uint32{1, 3}, indices(u))
	assert.InDelta(t, 0.9, u.Entries[0].Value, 1e-6)
	assert.InDelta(t, 0.3, u.Entries[1].Value, 1e-6)
	assert.InDeltaSlice(t, []float32{0.1, 0, 0.05, 0}, e.Residual(), 1e-6)

	require.NoError(t, e.AddLocalDelta(deltas))
	u = e.MakeSparseUpdate(2)
	assert.Equal(t, []uint32{1, 3}, indices(u))
	assert.InDeltaSlice(t, []float32{0.2, 0, 0.1, 0}, e.Residual(), 1e-6)

	// Residual at index 0 keeps growing until it overtakes index 3.
	sentZero := false
	for round := 0; round < 3 && !sentZero; round++ {
		require.NoError(t, e.AddLocalDelta(deltas))
		for _, idx := range indices(e.MakeSparseUpdate(2)) {
			if idx == 0 {
				sentZero = true
			}
		}
	}
	assert.True(t, sentZero, "accumulated residual must eventually be transmitted")
}

func TestEngine_ResidualConservation(t *testing.T) {
	e := newTestEngine(t, 16)

	total := make([]float64, 16)
	sent := make([]float64, 16)
	for round := 0; round < 20; round++ {
		delta := make([]float32, 16)
		for i := range delta {
			delta[i] = float32(math.Sin(float64(round*16+i))) * 0.1
			total[i] += float64(delta[i])
		}
		require.NoError(t, e.AddLocalDelta(delta))

		u := e.MakeSparseUpdate(3)
		for _, entry := range u.Entries {
			sent[entry.Index] += float64(entry.Value)
		}
	}

	residual := e.Residual()
	for i := range total {
		assert.InDelta(t, total[i], sent[i]+float64(residual[i]), 1e-4, "index %d", i)
	}
}

func TestEngine_RequeuePreservesConservation(t *testing.T) {
	e := newTestEngine(t, 4)
	require.NoError(t, e.AddLocalDelta([]float32{0.1, 0.9, 0.05, 0.3}))

	u := e.MakeSparseUpdate(2)
	e.Requeue(u)
	assert.InDeltaSlice(t, []float32{0.1, 0.9, 0.05, 0.3}, e.Residual(), 1e-6)

	u = e.MakeSparseUpdate(4)
	assert.Len(t, u.Entries, 4)
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, e.Residual(), 1e-9)
}

func TestEngine_TopKDeterministicTies(t *testing.T) {
	build := func() *common.SparseUpdate {
		e := newTestEngine(t, 6)
		require.NoError(t, e.AddLocalDelta([]float32{0.5, -0.5, 0.5, 0.1, -0.5, 0.2}))
		return e.MakeSparseUpdate(3)
	}

	first := build()
	assert.Equal(t, []uint32{0, 1, 2}, indices(first), "ties break by lowest index")
	assert.Equal(t, first, build())
}

func TestEngine_ZeroKAndClamp(t *testing.T) {
	e := newTestEngine(t, 4)
	require.NoError(t, e.AddLocalDelta([]float32{1, 2, 3, 4}))

	empty := e.MakeSparseUpdate(0)
	assert.Equal(t, 0, empty.Len())
	assert.InDeltaSlice(t, []float32{0, 0, 0, 0}, e.Residual(), 0, "k=0 consumes nothing")

	u := e.MakeSparseUpdate(100)
	assert.Equal(t, []uint32{0, 1, 2, 3}, indices(u))
}

func TestEngine_ZeroMagnitudeNotSelected(t *testing.T) {
	e := newTestEngine(t, 4)
	require.NoError(t, e.AddLocalDelta([]float32{0, 0.4, 0, 0}))

	u := e.MakeSparseUpdate(3)
	assert.Equal(t, []uint32{1}, indices(u))
}

// ========== MERGE TESTS ==========

func TestEngine_ApplySparseAdds(t *testing.T) {
	e := newTestEngine(t, 4)
	before := e.TensorSnapshot().Values

	err := e.ApplySparseUpdate(&common.SparseUpdate{Entries: []common.SparseEntry{
		{Index: 0, Value: 1},
		{Index: 3, Value: -2},
	}})
	require.NoError(t, err)

	after := e.TensorSnapshot().Values
	assert.InDelta(t, before[0]+1, after[0], 1e-6)
	assert.InDelta(t, before[3]-2, after[3], 1e-6)
	assert.Equal(t, before[1], after[1])
	assert.Equal(t, uint64(1), e.Stats().SparseApplied)
}

func TestEngine_ApplySparseRejectsOutOfRange(t *testing.T) {
	e := newTestEngine(t, 4)
	before := e.TensorHash()

	err := e.ApplySparseUpdate(&common.SparseUpdate{Entries: []common.SparseEntry{
		{Index: 0, Value: 1},
		{Index: 4, Value: 1},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrDimensionMismatch))
	assert.Equal(t, before, e.TensorHash(), "tensor must be unchanged")
	assert.Equal(t, uint64(1), e.Stats().Rejected)
}

func TestEngine_ApplySparseRejectsNonFinite(t *testing.T) {
	e := newTestEngine(t, 4)
	before := e.TensorHash()

	for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1))} {
		err := e.ApplySparseUpdate(&common.SparseUpdate{Entries: []common.SparseEntry{{Index: 1, Value: bad}}})
		assert.ErrorIs(t, err, common.ErrInvalidValue)
	}
	assert.Equal(t, before, e.TensorHash())
	assert.Equal(t, uint64(2), e.Stats().Rejected)
}

func TestEngine_ApplyDenseSnapshot(t *testing.T) {
	src := newTestEngine(t, 8)
	src.LocalTrainStep()
	snap := src.TensorSnapshot()

	dst := newTestEngine(t, 8)
	require.NoError(t, dst.ApplyDenseSnapshot(snap))
	assert.Equal(t, snap.Hash, dst.TensorHash())
	assert.GreaterOrEqual(t, dst.Version(), snap.Version)
	assert.Equal(t, uint64(1), dst.Stats().DenseApplied)
}

func TestEngine_ApplyDenseSnapshotRejects(t *testing.T) {
	e := newTestEngine(t, 4)
	before := e.TensorHash()

	wrongDim := &common.TensorSnapshot{Values: []float32{1, 2, 3}}
	wrongDim.Hash = HashValues(wrongDim.Values)
	assert.ErrorIs(t, e.ApplyDenseSnapshot(wrongDim), common.ErrDimensionMismatch)

	badHash := &common.TensorSnapshot{Values: []float32{1, 2, 3, 4}, Hash: "deadbeef"}
	assert.ErrorIs(t, e.ApplyDenseSnapshot(badHash), common.ErrHashMismatch)

	nan := &common.TensorSnapshot{Values: []float32{1, float32(math.NaN()), 3, 4}}
	nan.Hash = HashValues(nan.Values)
	assert.ErrorIs(t, e.ApplyDenseSnapshot(nan), common.ErrInvalidValue)

	assert.Equal(t, before, e.TensorHash())
	assert.Equal(t, uint64(3), e.Stats().Rejected)
}

func TestEngine_ApplyNilIsMalformed(t *testing.T) {
	e := newTestEngine(t, 4)
	before := e.TensorHash()

	assert.ErrorIs(t, e.ApplySparseUpdate(nil), common.ErrMalformedMessage)
	assert.ErrorIs(t, e.ApplyDenseSnapshot(nil), common.ErrMalformedMessage)
	assert.Equal(t, before, e.TensorHash())
}

func TestEngine_DenseVersionNeverRegresses(t *testing.T) {
	e := newTestEngine(t, 4)
	for i := 0; i < 5; i++ {
		e.LocalTrainStep()
	}
	v := e.Version()

	snap := &common.TensorSnapshot{Values: []float32{1, 2, 3, 4}, Version: 1}
	snap.Hash = HashValues(snap.Values)
	require.NoError(t, e.ApplyDenseSnapshot(snap))
	assert.Equal(t, v, e.Version())
}

// ========== HASH / OBSERVABILITY TESTS ==========

func TestHashValues_ContentOnly(t *testing.T) {
	a := HashValues([]float32{1, 2, 3})
	assert.Equal(t, a, HashValues([]float32{1, 2, 3}))
	assert.NotEqual(t, a, HashValues([]float32{1, 2, 4}))
	assert.NotEqual(t, HashValues([]float32{0}), HashValues([]float32{0, 0}), "dimension is hashed")
	assert.Len(t, a, 64)
}

func TestEngine_ConvergenceScore(t *testing.T) {
	e := newTestEngine(t, 32)
	assert.Equal(t, 0.0, e.ConvergenceScore(), "no history yet")

	for i := 0; i < 5; i++ {
		e.LocalTrainStep()
	}
	early := e.ConvergenceScore()
	assert.Greater(t, early, 0.0)
	assert.LessOrEqual(t, early, 1.0)

	for i := 0; i < 300; i++ {
		e.LocalTrainStep()
	}
	assert.Greater(t, e.ConvergenceScore(), early, "deltas shrink near the optimum")
}

func TestEngine_Embedding(t *testing.T) {
	e := newTestEngine(t, 8)
	snap := e.TensorSnapshot().Values
	emb := e.Embedding()

	require.Len(t, emb, 4)
	assert.InDelta(t, (snap[0]+snap[1])/2, emb[0], 1e-6)
	assert.InDelta(t, (snap[6]+snap[7])/2, emb[3], 1e-6)

	assert.Equal(t, []float32{1, 2}, MeanPool([]float32{1, 2}, 8))
}

func TestEngine_RecommendK(t *testing.T) {
	e := newTestEngine(t, 4)
	assert.Equal(t, 32, e.RecommendK(32, 10), "no threshold configured")

	e.SetMemoryPressureThreshold(256)
	assert.Equal(t, 32, e.RecommendK(32, 512))
	assert.Equal(t, 32, e.RecommendK(32, 0), "unknown availability")
	assert.Equal(t, 16, e.RecommendK(32, 100))
	assert.Equal(t, 4, e.RecommendK(6, 100), "floor of 4")
	assert.Equal(t, 3, e.RecommendK(3, 100), "never above k")
}

func TestEngine_TrainingIsDeterministic(t *testing.T) {
	a := newTestEngine(t, 16)
	b := newTestEngine(t, 16)
	for i := 0; i < 10; i++ {
		a.LocalTrainStep()
		b.LocalTrainStep()
	}
	assert.Equal(t, a.TensorHash(), b.TensorHash())
	assert.Less(t, a.DistanceToTarget(), 1.5)
}

func TestEngine_ConcurrentTrainAndApply(t *testing.T) {
	e := newTestEngine(t, 64)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e.LocalTrainStep()
			e.MakeSparseUpdate(8)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = e.ApplySparseUpdate(&common.SparseUpdate{Entries: []common.SparseEntry{{Index: uint32(i % 64), Value: 0.01}}})
		}
	}()
	wg.Wait()

	assert.Equal(t, uint64(200), e.Stats().SparseApplied)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Dim = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.LearningRate = 2
	assert.Error(t, cfg.Validate())
}
