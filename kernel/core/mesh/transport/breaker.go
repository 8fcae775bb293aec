package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig tunes the per-peer send circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures" json:"consecutive_failures"`
	// HalfOpenRequests is how many trial sends pass while half-open.
	HalfOpenRequests uint32 `mapstructure:"half_open_requests" json:"half_open_requests"`
	// OpenTimeout is how long a tripped breaker rejects before probing again.
	OpenTimeout time.Duration `mapstructure:"open_timeout" json:"open_timeout"`
	// Interval clears failure counts while closed. Zero never clears.
	Interval time.Duration `mapstructure:"interval" json:"interval"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 3,
		HalfOpenRequests:    1,
		OpenTimeout:         30 * time.Second,
		Interval:            0,
	}
}

func (c BreakerConfig) Validate() error {
	if c.ConsecutiveFailures == 0 {
		return errors.New("breaker consecutive_failures must be positive")
	}
	if c.OpenTimeout <= 0 {
		return errors.New("breaker open_timeout must be positive")
	}
	return nil
}

// BreakerSet keeps one two-step circuit breaker per peer. Sends are admitted
// with Allow and their asynchronous outcomes are settled with Record, in
// order. When a peer's breaker opens, the onOpen callback fires.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	pending  map[string][]func(success bool)
	onOpen   func(peerID string)
	logger   *zap.Logger
}

// NewBreakerSet creates an empty set. onOpen may be nil.
func NewBreakerSet(cfg BreakerConfig, onOpen func(peerID string), logger *zap.Logger) (*BreakerSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	return &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		pending:  make(map[string][]func(bool)),
		onOpen:   onOpen,
		logger:   logger.Named("breaker"),
	}, nil
}

func (b *BreakerSet) breaker(peerID string) *gobreaker.TwoStepCircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[peerID]; ok {
		return cb
	}
	threshold := b.cfg.ConsecutiveFailures
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        peerID,
		MaxRequests: b.cfg.HalfOpenRequests,
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.stateChanged,
	})
	b.breakers[peerID] = cb
	return cb
}

func (b *BreakerSet) stateChanged(name string, from, to gobreaker.State) {
	b.logger.Debug("breaker state changed",
		zap.String("peer", utils.ShortID(name)),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
	if to == gobreaker.StateOpen && b.onOpen != nil {
		b.onOpen(name)
	}
}

// Allow admits one send to peerID. It fails with CIRCUIT_OPEN while the
// breaker rejects traffic.
func (b *BreakerSet) Allow(peerID string) error {
	done, err := b.breaker(peerID).Allow()
	if err != nil {
		return common.WrapError(common.ErrCodeCircuitOpen, "circuit breaker open", err).
			WithContext("peer", peerID)
	}
	b.mu.Lock()
	b.pending[peerID] = append(b.pending[peerID], done)
	b.mu.Unlock()
	return nil
}

// Record settles the oldest admitted send to peerID. Outcomes with no
// matching Allow are ignored.
func (b *BreakerSet) Record(peerID string, sendErr error) {
	b.mu.Lock()
	queue := b.pending[peerID]
	if len(queue) == 0 {
		b.mu.Unlock()
		return
	}
	done := queue[0]
	if len(queue) == 1 {
		delete(b.pending, peerID)
	} else {
		b.pending[peerID] = queue[1:]
	}
	b.mu.Unlock()

	done(sendErr == nil)
}

// Reset forgets the breaker of peerID, typically after it reconnects.
func (b *BreakerSet) Reset(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, peerID)
	delete(b.pending, peerID)
}

// State reports the breaker state of peerID. Unknown peers are closed.
func (b *BreakerSet) State(peerID string) gobreaker.State {
	b.mu.Lock()
	cb, ok := b.breakers[peerID]
	b.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Open lists peers whose breaker currently rejects sends.
func (b *BreakerSet) Open() []string {
	b.mu.Lock()
	ids := make([]string, 0, len(b.breakers))
	cbs := make([]*gobreaker.TwoStepCircuitBreaker, 0, len(b.breakers))
	for id, cb := range b.breakers {
		ids = append(ids, id)
		cbs = append(cbs, cb)
	}
	b.mu.Unlock()

	var out []string
	for i, cb := range cbs {
		if cb.State() == gobreaker.StateOpen {
			out = append(out, ids[i])
		}
	}
	return out
}

