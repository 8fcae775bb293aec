package routing

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGuard(t *testing.T, mutate func(*InboundConfig)) (*InboundGuard, clockwork.FakeClock) {
	t.Helper()
	cfg := DefaultInboundConfig()
	cfg.BloomFilter.ExpectedElements = 1000
	if mutate != nil {
		mutate(&cfg)
	}
	clock := clockwork.NewFakeClock()
	g, err := NewInboundGuard(cfg, clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return g, clock
}

func TestInboundGuard_RejectsOversized(t *testing.T) {
	g, _ := newTestGuard(t, func(c *InboundConfig) { c.MaxMessageSize = 8 })

	require.NoError(t, g.Admit("peer1", []byte("small")))
	err := g.Admit("peer1", []byte("way too large"))
	assert.True(t, common.IsCode(err, common.ErrCodeMessageTooLarge))
}

func TestInboundGuard_DropsReplays(t *testing.T) {
	g, clock := newTestGuard(t, nil)

	require.NoError(t, g.Admit("peer1", []byte("update-1")))
	assert.ErrorIs(t, g.Admit("peer1", []byte("update-1")), common.ErrDuplicateMessage)
	assert.NoError(t, g.Admit("peer2", []byte("update-1")), "same payload from another peer is not a replay")

	// Survives one rotation, forgotten after two.
	clock.Advance(11 * time.Minute)
	assert.ErrorIs(t, g.Admit("peer1", []byte("update-1")), common.ErrDuplicateMessage)
	clock.Advance(11 * time.Minute)
	require.NoError(t, g.Admit("peer3", []byte("rotate")))
	clock.Advance(11 * time.Minute)
	require.NoError(t, g.Admit("peer4", []byte("rotate")))
	assert.NoError(t, g.Admit("peer1", []byte("update-1")))
}

func TestInboundGuard_RateLimitsPerPeer(t *testing.T) {
	g, _ := newTestGuard(t, func(c *InboundConfig) {
		c.RatePerSecond = 1
		c.Burst = 2
	})

	limited := 0
	for i := 0; i < 20; i++ {
		err := g.Admit("flooder", []byte(fmt.Sprintf("msg-%d", i)))
		if common.IsCode(err, common.ErrCodeRateLimited) {
			limited++
		}
	}
	assert.Greater(t, limited, 0)
	assert.NoError(t, g.Admit("quiet", []byte("hello")), "other peers are unaffected")
}

func TestInboundConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultInboundConfig().Validate())
	cfg := DefaultInboundConfig()
	cfg.BloomFilter.FalsePositiveRate = 1
	assert.Error(t, cfg.Validate())
}
