// Package training owns the local parameter vector and its conversion to and
// from gossip updates.
package training

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Config parameterises an Engine.
type Config struct {
	Dim          int     `json:"dim" mapstructure:"dim"`                     // 0 = take from the device profile
	EmbeddingDim int     `json:"embedding_dim" mapstructure:"embedding_dim"` // probe embedding size
	LearningRate float64 `json:"learning_rate" mapstructure:"learning_rate"`
	NoiseScale   float64 `json:"noise_scale" mapstructure:"noise_scale"`
	// TargetSeed picks the optimum shared by every node on the mesh;
	// Seed drives this node's initial parameters and gradient noise.
	TargetSeed uint64 `json:"target_seed" mapstructure:"target_seed"`
	Seed       uint64 `json:"seed" mapstructure:"seed"`

	TopK              int     `json:"top_k" mapstructure:"top_k"`
	ConvergenceWindow int     `json:"convergence_window" mapstructure:"convergence_window"`
	ConvergenceScale  float64 `json:"convergence_scale" mapstructure:"convergence_scale"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Dim:               256,
		EmbeddingDim:      32,
		LearningRate:      0.05,
		NoiseScale:        1e-3,
		TargetSeed:        42,
		Seed:              1,
		TopK:              32,
		ConvergenceWindow: 16,
		ConvergenceScale:  1e-4,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("dim must be positive, got %d", c.Dim)
	}
	if c.EmbeddingDim < 0 {
		return fmt.Errorf("embedding_dim must not be negative")
	}
	if c.LearningRate <= 0 || c.LearningRate >= 1 {
		return fmt.Errorf("learning_rate must be in (0,1), got %v", c.LearningRate)
	}
	if c.NoiseScale < 0 {
		return fmt.Errorf("noise_scale must not be negative")
	}
	if c.TopK < 0 {
		return fmt.Errorf("top_k must not be negative")
	}
	if c.ConvergenceWindow <= 0 || c.ConvergenceScale <= 0 {
		return fmt.Errorf("convergence window and scale must be positive")
	}
	return nil
}

// Stats are the engine's merge counters and parameter statistics.
type Stats struct {
	Version         uint64  `json:"version"`
	SparseApplied   uint64  `json:"sparse_applied"`
	DenseApplied    uint64  `json:"dense_applied"`
	Rejected        uint64  `json:"rejected"`
	ChangeMagnitude float64 `json:"change_magnitude"` // mean |delta| over the last tick
	ParamStdDev     float64 `json:"param_std_dev"`
}

// Engine holds the authoritative local tensor, the deltas not yet published
// and the residual left over by top-K selection. All methods are safe for
// concurrent use.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	params []float32
	target []float32

	// pending accumulates local training deltas since the last
	// MakeSparseUpdate; residual holds what top-K selection left behind.
	pending  []float32
	residual []float32
	version  uint64

	rng *rand.Rand

	// Convergence tracking: params at the previous train step and a ring of
	// per-tick delta variances.
	lastStep   []float32
	varHistory []float64
	varNext    int
	lastChange float64

	memoryThresholdMB int

	sparseApplied uint64
	denseApplied  uint64
	rejected      uint64

	logger *zap.Logger
}

// NewEngine builds an engine with seeded initial parameters.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid training config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:      cfg,
		params:   make([]float32, cfg.Dim),
		target:   make([]float32, cfg.Dim),
		pending:  make([]float32, cfg.Dim),
		residual: make([]float32, cfg.Dim),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		logger:   logger.Named("training"),
	}

	targetRng := rand.New(rand.NewPCG(cfg.TargetSeed, cfg.TargetSeed^0x6a09e667f3bcc909))
	for i := range e.target {
		e.target[i] = float32(targetRng.NormFloat64())
	}
	for i := range e.params {
		e.params[i] = float32(e.rng.NormFloat64() * 0.1)
	}
	e.lastStep = append([]float32(nil), e.params...)
	return e, nil
}

// Dim returns the model dimension.
func (e *Engine) Dim() int {
	return len(e.params)
}

// Version returns the tensor version counter.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

// LocalTrainStep performs one SGD step on a quadratic objective centred on
// the shared target, plus seeded gradient noise. The step is applied to the
// tensor and accumulated into the pending deltas.
func (e *Engine) LocalTrainStep() {
	e.mu.Lock()
	defer e.mu.Unlock()

	lr := e.cfg.LearningRate
	for i := range e.params {
		grad := float64(e.params[i] - e.target[i])
		step := float32(-lr*grad + e.cfg.NoiseScale*e.rng.NormFloat64())
		e.params[i] += step
		e.pending[i] += step
	}
	e.version++
	e.recordTickLocked()
}

// AddLocalDelta applies an externally computed delta as if it were a local
// training step.
func (e *Engine) AddLocalDelta(delta []float32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(delta) != len(e.params) {
		return common.ErrDimension(len(e.params), len(delta))
	}
	for i, d := range delta {
		if isNonFinite(d) {
			return common.ErrNonFinite(uint32(i))
		}
	}
	for i, d := range delta {
		e.params[i] += d
		e.pending[i] += d
	}
	e.version++
	e.recordTickLocked()
	return nil
}

// recordTickLocked pushes the variance of the parameter change since the
// previous tick into the convergence window.
func (e *Engine) recordTickLocked() {
	n := len(e.params)
	if n == 0 {
		return
	}
	var sum, sumAbs float64
	for i := range e.params {
		d := float64(e.params[i] - e.lastStep[i])
		sum += d
		sumAbs += math.Abs(d)
	}
	mean := sum / float64(n)
	var variance float64
	for i := range e.params {
		d := float64(e.params[i]-e.lastStep[i]) - mean
		variance += d * d
	}
	variance /= float64(n)
	copy(e.lastStep, e.params)
	e.lastChange = sumAbs / float64(n)

	if len(e.varHistory) < e.cfg.ConvergenceWindow {
		e.varHistory = append(e.varHistory, variance)
		return
	}
	e.varHistory[e.varNext] = variance
	e.varNext = (e.varNext + 1) % len(e.varHistory)
}

// MakeSparseUpdate folds the residual into the pending deltas and selects the
// k largest magnitudes, ties broken by lowest index. Selected coordinates
// leave the residual; the rest are carried into it. Zero-magnitude
// coordinates are never selected. k == 0 returns an empty update and leaves
// all buffers untouched; k above the dimension is clamped.
func (e *Engine) MakeSparseUpdate(k int) *common.SparseUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()

	update := &common.SparseUpdate{Version: e.version}
	if k <= 0 || len(e.params) == 0 {
		return update
	}
	if k > len(e.params) {
		k = len(e.params)
	}

	candidate := make([]float32, len(e.params))
	order := make([]int, len(e.params))
	for i := range candidate {
		candidate[i] = e.pending[i] + e.residual[i]
		e.pending[i] = 0
		order[i] = i
	}

	sort.Slice(order, func(a, b int) bool {
		ma := math.Abs(float64(candidate[order[a]]))
		mb := math.Abs(float64(candidate[order[b]]))
		if ma != mb {
			return ma > mb
		}
		return order[a] < order[b]
	})

	selected := order[:k]
	for len(selected) > 0 && candidate[selected[len(selected)-1]] == 0 {
		selected = selected[:len(selected)-1]
	}
	sort.Ints(selected)

	copy(e.residual, candidate)
	update.Entries = make([]common.SparseEntry, 0, len(selected))
	for _, idx := range selected {
		update.Entries = append(update.Entries, common.SparseEntry{
			Index: uint32(idx),
			Value: candidate[idx],
		})
		e.residual[idx] = 0
	}
	return update
}

// Requeue returns the values of an update that reached no peer to the
// residual, so they are offered again next round.
func (e *Engine) Requeue(update *common.SparseUpdate) {
	if update.Len() == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, entry := range update.Entries {
		if int(entry.Index) < len(e.residual) {
			e.residual[entry.Index] += entry.Value
		}
	}
}

// ApplySparseUpdate adds a peer's deltas into the tensor. The whole update is
// rejected, leaving the tensor unchanged, if any index is out of range or
// any value is not finite.
func (e *Engine) ApplySparseUpdate(update *common.SparseUpdate) error {
	if update == nil {
		return common.ErrMalformed("nil sparse update", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateSparseLocked(update); err != nil {
		e.rejected++
		e.logger.Warn("Dropping sparse update",
			zap.String("sender", update.Sender),
			zap.Int("entries", update.Len()),
			zap.Error(err))
		return err
	}
	for _, entry := range update.Entries {
		e.params[entry.Index] += entry.Value
	}
	e.sparseApplied++
	e.version++
	return nil
}

func (e *Engine) validateSparseLocked(update *common.SparseUpdate) error {
	for _, entry := range update.Entries {
		if int(entry.Index) >= len(e.params) {
			return common.ErrIndexOutOfRange(entry.Index, len(e.params))
		}
		if isNonFinite(entry.Value) {
			return common.ErrNonFinite(entry.Index)
		}
	}
	return nil
}

// ApplyDenseSnapshot replaces the tensor wholesale. The snapshot must match
// the model dimension, carry finite values and hash to its own Hash field.
// Pending deltas and residual are kept so local progress is still published.
// The version never moves backwards.
func (e *Engine) ApplyDenseSnapshot(snap *common.TensorSnapshot) error {
	if snap == nil {
		return common.ErrMalformed("nil dense snapshot", nil)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateDenseLocked(snap); err != nil {
		e.rejected++
		e.logger.Warn("Dropping dense snapshot",
			zap.String("sender", snap.Sender),
			zap.Int("dim", snap.Dim()),
			zap.Error(err))
		return err
	}
	copy(e.params, snap.Values)
	if snap.Version > e.version {
		e.version = snap.Version
	}
	e.denseApplied++
	return nil
}

func (e *Engine) validateDenseLocked(snap *common.TensorSnapshot) error {
	if snap.Dim() != len(e.params) {
		return common.ErrDimension(len(e.params), snap.Dim())
	}
	for i, v := range snap.Values {
		if isNonFinite(v) {
			return common.ErrNonFinite(uint32(i))
		}
	}
	if got := HashValues(snap.Values); got != snap.Hash {
		return common.NewMeshError(common.ErrCodeHashMismatch, "snapshot hash mismatch").
			WithContext("expected", snap.Hash).
			WithContext("computed", got)
	}
	return nil
}

// TensorSnapshot returns a copy of the tensor with its hash and version.
func (e *Engine) TensorSnapshot() *common.TensorSnapshot {
	e.mu.Lock()
	values := append([]float32(nil), e.params...)
	version := e.version
	e.mu.Unlock()

	return &common.TensorSnapshot{
		Values:  values,
		Hash:    HashValues(values),
		Version: version,
	}
}

// TensorHash is the content hash of the current tensor.
func (e *Engine) TensorHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return HashValues(e.params)
}

// HashValues is a BLAKE3 digest over the dimension and the IEEE-754 bits of
// every coordinate, hex encoded. It covers content only, not version.
func HashValues(values []float32) string {
	h := blake3.New()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(len(values)))
	_, _ = h.Write(buf[:])

	chunk := make([]byte, 0, 4*256)
	for _, v := range values {
		chunk = binary.LittleEndian.AppendUint32(chunk, math.Float32bits(v))
		if len(chunk) == cap(chunk) {
			_, _ = h.Write(chunk)
			chunk = chunk[:0]
		}
	}
	_, _ = h.Write(chunk)
	return hex.EncodeToString(h.Sum(nil))
}

// ConvergenceScore maps the pooled variance of recent per-tick deltas into
// [0,1]; quieter parameters score higher. Zero until a tick is recorded.
func (e *Engine) ConvergenceScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.varHistory) == 0 {
		return 0
	}
	var pooled float64
	for _, v := range e.varHistory {
		pooled += v
	}
	pooled /= float64(len(e.varHistory))
	return 1 / (1 + pooled/e.cfg.ConvergenceScale)
}

// Embedding summarises the tensor by mean-pooling it into EmbeddingDim
// buckets. The full tensor is returned when it is already small enough.
func (e *Engine) Embedding() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return MeanPool(e.params, e.cfg.EmbeddingDim)
}

// MeanPool averages contiguous ranges of values into the given number of
// buckets.
func MeanPool(values []float32, buckets int) []float32 {
	n := len(values)
	if buckets <= 0 || buckets >= n {
		return append([]float32(nil), values...)
	}
	out := make([]float32, buckets)
	for b := 0; b < buckets; b++ {
		lo := b * n / buckets
		hi := (b + 1) * n / buckets
		var sum float64
		for _, v := range values[lo:hi] {
			sum += float64(v)
		}
		out[b] = float32(sum / float64(hi-lo))
	}
	return out
}

// SetMemoryPressureThreshold sets the available-memory level (MB) below which
// RecommendK shrinks k.
func (e *Engine) SetMemoryPressureThreshold(mb int) {
	e.mu.Lock()
	e.memoryThresholdMB = mb
	e.mu.Unlock()
}

// RecommendK advises a smaller k under memory pressure: half of k, at least
// 4, never more than k. availableMB <= 0 means unknown and returns k. The
// engine does not enforce the advice.
func (e *Engine) RecommendK(k, availableMB int) int {
	e.mu.Lock()
	threshold := e.memoryThresholdMB
	e.mu.Unlock()

	if availableMB <= 0 || threshold <= 0 || availableMB >= threshold {
		return k
	}
	reduced := k / 2
	if reduced < 4 {
		reduced = 4
	}
	if reduced > k {
		reduced = k
	}
	e.logger.Debug("Memory pressure, reducing k",
		zap.Int("k", k),
		zap.Int("reduced", reduced),
		zap.Int("available_mb", availableMB),
		zap.Int("threshold_mb", threshold))
	return reduced
}

// Residual returns a copy of the residual buffer.
func (e *Engine) Residual() []float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float32(nil), e.residual...)
}

// Stats returns merge counters and parameter statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var mean float64
	for _, v := range e.params {
		mean += float64(v)
	}
	var stddev float64
	if n := len(e.params); n > 0 {
		mean /= float64(n)
		for _, v := range e.params {
			d := float64(v) - mean
			stddev += d * d
		}
		stddev = math.Sqrt(stddev / float64(n))
	}

	return Stats{
		Version:         e.version,
		SparseApplied:   e.sparseApplied,
		DenseApplied:    e.denseApplied,
		Rejected:        e.rejected,
		ChangeMagnitude: e.lastChange,
		ParamStdDev:     stddev,
	}
}

// DistanceToTarget is the RMS distance to the shared optimum, used by the
// simulator to report progress.
func (e *Engine) DistanceToTarget() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var sum float64
	for i := range e.params {
		d := float64(e.params[i] - e.target[i])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(e.params)))
}

func isNonFinite(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}
