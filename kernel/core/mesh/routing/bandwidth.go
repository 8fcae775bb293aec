package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"go.uber.org/zap"
)

// BandwidthConfig holds rolling-window budgets. Send budgets cap what this
// node publishes; accept budgets cap what it merges from peers.
type BandwidthConfig struct {
	SparsePerWindow     int           `json:"sparse_per_window" mapstructure:"sparse_per_window"`
	DenseBytesPerWindow int           `json:"dense_bytes_per_window" mapstructure:"dense_bytes_per_window"`
	AcceptSparse        int           `json:"accept_sparse_per_window" mapstructure:"accept_sparse_per_window"`
	AcceptDenseBytes    int           `json:"accept_dense_bytes_per_window" mapstructure:"accept_dense_bytes_per_window"`
	Window              time.Duration `json:"window" mapstructure:"window"`
}

// DefaultBandwidthConfig returns the wifi budgets; callers scale them by the
// network class.
func DefaultBandwidthConfig() BandwidthConfig {
	return BandwidthConfig{
		SparsePerWindow:     12,
		DenseBytesPerWindow: 256 * 1024,
		AcceptSparse:        96,
		AcceptDenseBytes:    2 * 1024 * 1024,
		Window:              60 * time.Second,
	}
}

// Validate checks the config.
func (c BandwidthConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.SparsePerWindow < 0 || c.DenseBytesPerWindow < 0 || c.AcceptSparse < 0 || c.AcceptDenseBytes < 0 {
		return fmt.Errorf("budgets must not be negative")
	}
	return nil
}

// bandwidthWindow is a time-boxed counter pair.
type bandwidthWindow struct {
	start      time.Time
	sparse     int
	denseBytes int
}

func (w *bandwidthWindow) roll(now time.Time, length time.Duration) {
	if now.Sub(w.start) >= length {
		w.start = now
		w.sparse = 0
		w.denseBytes = 0
	}
}

// BandwidthUsage reports the current window's counters.
type BandwidthUsage struct {
	SparseSent       int           `json:"sparse_sent"`
	DenseBytesSent   int           `json:"dense_bytes_sent"`
	SparseAccepted   int           `json:"sparse_accepted"`
	DenseBytesAccept int           `json:"dense_bytes_accepted"`
	Remaining        time.Duration `json:"window_remaining"`
}

// BandwidthScheduler enforces the budgets independently of peer count. A
// denied request returns a BUDGET_EXCEEDED error; callers treat it as a
// scheduling outcome, not a failure. No retry is done here.
type BandwidthScheduler struct {
	mu     sync.Mutex
	config BandwidthConfig
	clock  clockwork.Clock

	send   bandwidthWindow
	accept bandwidthWindow

	logger *zap.Logger
}

// NewBandwidthScheduler creates a scheduler whose windows open now.
func NewBandwidthScheduler(config BandwidthConfig, clock clockwork.Clock, logger *zap.Logger) (*BandwidthScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bandwidth config: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	return &BandwidthScheduler{
		config: config,
		clock:  clock,
		send:   bandwidthWindow{start: now},
		accept: bandwidthWindow{start: now},
		logger: logger.Named("bandwidth"),
	}, nil
}

// TrySendSparse reserves one sparse message from the send budget.
func (b *BandwidthScheduler) TrySendSparse() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeSparseLocked(&b.send, b.config.SparsePerWindow, "send_sparse")
}

// TrySendDense reserves n bytes from the dense send budget.
func (b *BandwidthScheduler) TrySendDense(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeDenseLocked(&b.send, n, b.config.DenseBytesPerWindow, "send_dense")
}

// TryAcceptSparse reserves one sparse message from the accept budget.
func (b *BandwidthScheduler) TryAcceptSparse() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeSparseLocked(&b.accept, b.config.AcceptSparse, "accept_sparse")
}

// TryAcceptDense reserves n bytes from the dense accept budget.
func (b *BandwidthScheduler) TryAcceptDense(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeDenseLocked(&b.accept, n, b.config.AcceptDenseBytes, "accept_dense")
}

func (b *BandwidthScheduler) takeSparseLocked(w *bandwidthWindow, limit int, kind string) error {
	w.roll(b.clock.Now(), b.config.Window)
	if w.sparse+1 > limit {
		b.logger.Debug("Budget exhausted", zap.String("kind", kind), zap.Int("used", w.sparse), zap.Int("limit", limit))
		return common.ErrBudget(kind, w.sparse, limit)
	}
	w.sparse++
	return nil
}

func (b *BandwidthScheduler) takeDenseLocked(w *bandwidthWindow, n, limit int, kind string) error {
	if n < 0 {
		n = 0
	}
	w.roll(b.clock.Now(), b.config.Window)
	if w.denseBytes+n > limit {
		b.logger.Debug("Budget exhausted", zap.String("kind", kind), zap.Int("used", w.denseBytes), zap.Int("cost", n), zap.Int("limit", limit))
		return common.ErrBudget(kind, w.denseBytes, limit)
	}
	w.denseBytes += n
	return nil
}

// SetBudget replaces the budgets, e.g. after a network class change. The
// current window and its counters are kept.
func (b *BandwidthScheduler) SetBudget(config BandwidthConfig) error {
	if err := config.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = config
	return nil
}

// Config returns the active budgets.
func (b *BandwidthScheduler) Config() BandwidthConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}

// Usage returns the counters of the current windows.
func (b *BandwidthScheduler) Usage() BandwidthUsage {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.send.roll(now, b.config.Window)
	b.accept.roll(now, b.config.Window)
	remaining := b.config.Window - now.Sub(b.send.start)
	if remaining < 0 {
		remaining = 0
	}
	return BandwidthUsage{
		SparseSent:       b.send.sparse,
		DenseBytesSent:   b.send.denseBytes,
		SparseAccepted:   b.accept.sparse,
		DenseBytesAccept: b.accept.denseBytes,
		Remaining:        remaining,
	}
}
