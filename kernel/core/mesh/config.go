package mesh

import (
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/geomesh/kernel/core/mesh/common"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/optimization"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/routing"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/training"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/transport"
	"github.com/nmxmxh/geomesh/kernel/core/mesh/wire"
)

// LoopConfig drives the tick cycle.
type LoopConfig struct {
	// IncludeBackups also publishes sparse updates to the backup pool.
	IncludeBackups bool `json:"include_backups" mapstructure:"include_backups"`
	// DenseEvery publishes a dense snapshot every N ticks. Zero disables it.
	DenseEvery int `json:"dense_every" mapstructure:"dense_every"`
	// ProbeEvery sends similarity probes every N ticks. Zero disables them.
	ProbeEvery  int `json:"probe_every" mapstructure:"probe_every"`
	ProbeFanout int `json:"probe_fanout" mapstructure:"probe_fanout"`
	// HeartbeatEvery sends heartbeats to neighbours every N ticks.
	HeartbeatEvery int `json:"heartbeat_every" mapstructure:"heartbeat_every"`
	// PauseDelay is how long a paused tick waits before returning to idle.
	PauseDelay time.Duration `json:"pause_delay" mapstructure:"pause_delay"`
	// DenseToNewPeers sends one dense snapshot to each newly discovered peer.
	DenseToNewPeers bool `json:"dense_to_new_peers" mapstructure:"dense_to_new_peers"`
	// RetuneEvery re-reads the device sensors every N ticks.
	RetuneEvery int `json:"retune_every" mapstructure:"retune_every"`
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		IncludeBackups:  false,
		DenseEvery:      30,
		ProbeEvery:      5,
		ProbeFanout:     16,
		HeartbeatEvery:  3,
		PauseDelay:      30 * time.Second,
		DenseToNewPeers: true,
		RetuneEvery:     10,
	}
}

func (c LoopConfig) Validate() error {
	if c.DenseEvery < 0 || c.ProbeEvery < 0 || c.HeartbeatEvery < 0 || c.RetuneEvery < 0 {
		return errors.New("loop cadences must not be negative")
	}
	if c.ProbeEvery > 0 && c.ProbeFanout <= 0 {
		return errors.New("probe_fanout must be positive when probes are enabled")
	}
	if c.PauseDelay < 0 {
		return errors.New("pause_delay must not be negative")
	}
	return nil
}

// Config aggregates everything a Node needs.
type Config struct {
	NodeID   string           `json:"node_id" mapstructure:"node_id"` // empty: transport LocalID
	Position *common.GeoPoint `json:"position,omitempty" mapstructure:"position"`
	Device   string           `json:"device" mapstructure:"device"`   // facts preset: desktop, low, mid, high
	Network  string           `json:"network" mapstructure:"network"` // wifi, 4g, 5g, unknown

	Training  training.Config         `json:"training" mapstructure:"training"`
	Topology  routing.TopologyConfig  `json:"topology" mapstructure:"topology"`
	Bandwidth routing.BandwidthConfig `json:"bandwidth" mapstructure:"bandwidth"`
	Inbound   routing.InboundConfig   `json:"inbound" mapstructure:"inbound"`
	Breaker   transport.BreakerConfig `json:"breaker" mapstructure:"breaker"`
	Wire      wire.Config             `json:"wire" mapstructure:"wire"`
	Tuning    optimization.Tuning     `json:"tuning" mapstructure:"tuning"`
	Loop      LoopConfig              `json:"loop" mapstructure:"loop"`
	Libp2p    transport.Libp2pConfig  `json:"libp2p" mapstructure:"libp2p"`
}

// DefaultConfig returns a desktop node on wifi. Training.Dim is zero so the
// device profile picks the model dimension.
func DefaultConfig() Config {
	tc := training.DefaultConfig()
	tc.Dim = 0
	return Config{
		Device:    "desktop",
		Network:   "wifi",
		Training:  tc,
		Topology:  routing.DefaultTopologyConfig(),
		Bandwidth: routing.DefaultBandwidthConfig(),
		Inbound:   routing.DefaultInboundConfig(),
		Breaker:   transport.DefaultBreakerConfig(),
		Wire:      wire.DefaultConfig(),
		Tuning:    optimization.DefaultTuning(),
		Loop:      DefaultLoopConfig(),
		Libp2p:    transport.DefaultLibp2pConfig(),
	}
}

// Validate checks every section. The model dimension may be zero.
func (c Config) Validate() error {
	if c.Position != nil && !c.Position.Valid() {
		return fmt.Errorf("position out of range: %+v", *c.Position)
	}
	if _, err := optimization.FactsPreset(c.Device); err != nil {
		return err
	}
	tc := c.Training
	if tc.Dim == 0 {
		tc.Dim = 1
	}
	checks := []struct {
		name string
		err  error
	}{
		{"training", tc.Validate()},
		{"topology", c.Topology.Validate()},
		{"bandwidth", c.Bandwidth.Validate()},
		{"inbound", c.Inbound.Validate()},
		{"breaker", c.Breaker.Validate()},
		{"tuning", c.Tuning.Validate()},
		{"loop", c.Loop.Validate()},
		{"wire", c.Wire.Validate()},
		{"libp2p", c.Libp2p.Validate()},
	}
	for _, check := range checks {
		if check.err != nil {
			return fmt.Errorf("%s: %w", check.name, check.err)
		}
	}
	if c.Training.Dim > c.Wire.MaxDim && c.Wire.MaxDim > 0 {
		return fmt.Errorf("training dim %d exceeds wire max_dim %d", c.Training.Dim, c.Wire.MaxDim)
	}
	return nil
}

// Facts resolves the device preset and network class into sensor facts.
func (c Config) Facts() (optimization.DeviceFacts, error) {
	facts, err := optimization.FactsPreset(c.Device)
	if err != nil {
		return facts, err
	}
	if c.Network != "" {
		facts.Network = optimization.ParseNetworkClass(c.Network)
	}
	return facts, nil
}
