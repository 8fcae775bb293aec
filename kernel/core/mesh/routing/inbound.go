package routing

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/jonboulle/clockwork"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// InboundConfig holds inbound admission configuration.
type InboundConfig struct {
	MaxMessageSize int           `json:"max_message_size" mapstructure:"max_message_size"`
	RatePerSecond  int64         `json:"rate_per_second" mapstructure:"rate_per_second"` // per peer
	Burst          int64         `json:"burst" mapstructure:"burst"`
	DedupRotate    time.Duration `json:"dedup_rotate" mapstructure:"dedup_rotate"`
	BloomFilter    struct {
		ExpectedElements  uint    `json:"expected_elements" mapstructure:"expected_elements"`
		FalsePositiveRate float64 `json:"false_positive_rate" mapstructure:"false_positive_rate"`
	} `json:"bloom_filter" mapstructure:"bloom_filter"`
}

// DefaultInboundConfig returns defaults.
func DefaultInboundConfig() InboundConfig {
	config := InboundConfig{
		MaxMessageSize: 4 * 1024 * 1024, // 4MB
		RatePerSecond:  20,
		Burst:          50,
		DedupRotate:    10 * time.Minute,
	}
	config.BloomFilter.ExpectedElements = 100000
	config.BloomFilter.FalsePositiveRate = 0.01
	return config
}

// Validate checks the config.
func (c InboundConfig) Validate() error {
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if c.RatePerSecond <= 0 || c.Burst <= 0 {
		return fmt.Errorf("rate_per_second and burst must be positive")
	}
	if c.DedupRotate <= 0 {
		return fmt.Errorf("dedup_rotate must be positive")
	}
	if c.BloomFilter.ExpectedElements == 0 || c.BloomFilter.FalsePositiveRate <= 0 || c.BloomFilter.FalsePositiveRate >= 1 {
		return fmt.Errorf("invalid bloom filter parameters")
	}
	return nil
}

// InboundGuard admits raw inbound payloads before they are decoded: it caps
// size, rate-limits each peer with a token bucket and drops replays.
type InboundGuard struct {
	config InboundConfig
	clock  clockwork.Clock

	limiter      *limiter.TokenBucket
	limiterStore store.Store

	// Replay filter: two generations so entries survive at least one
	// rotation period.
	seenMu      sync.Mutex
	seenCurrent *bloom.BloomFilter
	seenPrev    *bloom.BloomFilter
	rotatedAt   time.Time

	logger *zap.Logger
}

// NewInboundGuard creates a guard.
func NewInboundGuard(config InboundConfig, clock clockwork.Clock, logger *zap.Logger) (*InboundGuard, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inbound config: %w", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &InboundGuard{
		config:    config,
		clock:     clock,
		rotatedAt: clock.Now(),
		logger:    logger.Named("inbound"),
	}
	g.seenCurrent = g.newFilter()
	g.seenPrev = g.newFilter()

	g.limiterStore = store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(
		limiter.Config{
			Rate:     config.RatePerSecond,
			Duration: time.Second,
			Burst:    config.Burst,
		},
		g.limiterStore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	g.limiter = tb
	return g, nil
}

func (g *InboundGuard) newFilter() *bloom.BloomFilter {
	return bloom.NewWithEstimates(
		g.config.BloomFilter.ExpectedElements,
		g.config.BloomFilter.FalsePositiveRate,
	)
}

// Admit decides whether a raw payload from peerID may be decoded. It returns
// MESSAGE_TOO_LARGE, RATE_LIMITED or DUPLICATE_MESSAGE errors on rejection.
func (g *InboundGuard) Admit(peerID string, raw []byte) error {
	if len(raw) > g.config.MaxMessageSize {
		return common.NewMeshError(common.ErrCodeMessageTooLarge, "message too large").
			WithContext("size", len(raw)).
			WithContext("limit", g.config.MaxMessageSize)
	}
	if !g.limiter.Allow(peerID) {
		return common.NewMeshError(common.ErrCodeRateLimited, "peer rate limited").
			WithContext("peer_id", peerID)
	}
	if g.seenBefore(peerID, raw) {
		return common.NewMeshError(common.ErrCodeDuplicateMessage, "duplicate message").
			WithContext("peer_id", peerID)
	}
	return nil
}

// seenBefore records (peer, payload) and reports whether it was already seen.
func (g *InboundGuard) seenBefore(peerID string, raw []byte) bool {
	digest := blake3.Sum256(raw)
	key := make([]byte, 0, len(peerID)+1+len(digest))
	key = append(key, peerID...)
	key = append(key, 0)
	key = append(key, digest[:]...)

	g.seenMu.Lock()
	defer g.seenMu.Unlock()

	if now := g.clock.Now(); now.Sub(g.rotatedAt) >= g.config.DedupRotate {
		g.seenPrev = g.seenCurrent
		g.seenCurrent = g.newFilter()
		g.rotatedAt = now
		g.logger.Debug("Rotated replay filter")
	}

	if g.seenCurrent.TestOrAdd(key) {
		return true
	}
	return g.seenPrev.Test(key)
}
